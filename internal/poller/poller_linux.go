// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// epollPoller implementa Poller sobre epoll(7).
type epollPoller struct {
	hooks
	epfd  int
	table *fdTable
}

func newPlatformPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, table: newFDTable()}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var ev uint32
	if mask&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) EventMask {
	var mask EventMask
	if ev&unix.EPOLLIN != 0 {
		mask |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= EventWrite
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		mask |= EventClosed
	}
	return mask
}

func (p *epollPoller) Add(fd int, mask EventMask, data interface{}) error {
	p.table.set(fd, data)
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		// Rollback: não deixa uma entrada de tabela órfã se o kernel recusar
		// o registro (fd já fechado, limite de descritores, etc.).
		p.table.remove(fd)
		return err
	}
	return nil
}

func (p *epollPoller) Modify(fd int, mask EventMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Remove(fd int) error {
	p.table.remove(fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Run(timeoutMs int, handler Handler) (int, error) {
	p.runPre()

	events := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(p.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			p.runPost()
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		data := p.table.get(fd)
		if data == nil {
			continue
		}
		handler(fd, data, fromEpollEvents(events[i].Events))
		processed++
	}

	p.runPost()
	return processed, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
