// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implementa Poller sobre kqueue(2), usado nas famílias
// BSD/Darwin. Diferente do epoll, kqueue trata leitura e escrita como
// filtros separados (EVFILT_READ/EVFILT_WRITE) em vez de bits de uma máscara
// única, então Add/Modify registra (ou remove) cada filtro individualmente.
type kqueuePoller struct {
	hooks
	kq    int
	table *fdTable
}

func newPlatformPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{kq: kq, table: newFDTable()}, nil
}

func (p *kqueuePoller) changeFilters(fd int, mask EventMask, add bool) error {
	var changes []unix.Kevent_t
	flag := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if !add {
		flag = unix.EV_DELETE
	}

	if add && mask&EventRead == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag})
	}
	if add && mask&EventWrite == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag})
	}

	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Add(fd int, mask EventMask, data interface{}) error {
	p.table.set(fd, data)
	if err := p.changeFilters(fd, mask, true); err != nil {
		p.table.remove(fd)
		return err
	}
	return nil
}

func (p *kqueuePoller) Modify(fd int, mask EventMask) error {
	return p.changeFilters(fd, mask, true)
}

func (p *kqueuePoller) Remove(fd int) error {
	p.table.remove(fd)
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	// ENOENT é esperado quando o filtro nunca foi registrado; não é um erro.
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Run(timeoutMs int, handler Handler) (int, error) {
	p.runPre()

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}

	events := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(p.kq, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			p.runPost()
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		data := p.table.get(fd)
		if data == nil {
			continue
		}
		var mask EventMask
		switch events[i].Filter {
		case unix.EVFILT_READ:
			mask = EventRead
		case unix.EVFILT_WRITE:
			mask = EventWrite
		}
		if events[i].Flags&unix.EV_EOF != 0 {
			mask |= EventClosed
		}
		handler(fd, data, mask)
		processed++
	}

	p.runPost()
	return processed, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
