// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build solaris || illumos

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// portPoller implementa Poller sobre event ports (port_create(3C)), o
// multiplexador nativo do Solaris/illumos — o terceiro backend nomeado pelo
// spec ao lado de epoll e kqueue. Diferente deles, um fd associado a uma
// porta é consumido (one-shot) assim que reporta um evento: handle_event no
// original reassocia todos os fds entregues na rodada antes de esperar de
// novo, então este backend guarda a última máscara de interesse por fd para
// poder reassociar da mesma forma depois de despachar.
type portPoller struct {
	hooks
	port  int
	table *fdTable

	mu    sync.Mutex
	masks map[int]EventMask
}

func newPlatformPoller() (Poller, error) {
	port, err := unix.PortCreate()
	if err != nil {
		return nil, err
	}
	return &portPoller{port: port, table: newFDTable(), masks: make(map[int]EventMask)}, nil
}

func toPortEvents(mask EventMask) int {
	var ev int
	if mask&EventRead != 0 {
		ev |= unix.POLLIN
	}
	if mask&EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPortEvents(ev uint32) EventMask {
	var mask EventMask
	if ev&unix.POLLIN != 0 {
		mask |= EventRead
	}
	if ev&unix.POLLOUT != 0 {
		mask |= EventWrite
	}
	if ev&(unix.POLLHUP|unix.POLLERR) != 0 {
		mask |= EventClosed
	}
	return mask
}

func (p *portPoller) associate(fd int, mask EventMask) error {
	return unix.PortAssociate(p.port, unix.PORT_SOURCE_FD, uintptr(fd), toPortEvents(mask))
}

func (p *portPoller) Add(fd int, mask EventMask, data interface{}) error {
	p.table.set(fd, data)
	if err := p.associate(fd, mask); err != nil {
		p.table.remove(fd)
		return err
	}
	p.mu.Lock()
	p.masks[fd] = mask
	p.mu.Unlock()
	return nil
}

func (p *portPoller) Modify(fd int, mask EventMask) error {
	if err := p.associate(fd, mask); err != nil {
		return err
	}
	p.mu.Lock()
	p.masks[fd] = mask
	p.mu.Unlock()
	return nil
}

func (p *portPoller) Remove(fd int) error {
	p.table.remove(fd)
	p.mu.Lock()
	delete(p.masks, fd)
	p.mu.Unlock()
	err := unix.PortDissociate(p.port, unix.PORT_SOURCE_FD, uintptr(fd))
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *portPoller) Run(timeoutMs int, handler Handler) (int, error) {
	p.runPre()

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}

	events := make([]unix.PortEvent, 256)
	var n uint32
	err := unix.PortGetn(p.port, events, 1, &n, ts)
	if err != nil {
		if err == unix.EINTR || err == unix.ETIME {
			p.runPost()
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	var reassociate []int
	for i := uint32(0); i < n; i++ {
		evt := events[i]
		if evt.Source != unix.PORT_SOURCE_FD {
			continue
		}
		fd := int(evt.Object)
		data := p.table.get(fd)
		if data == nil {
			continue
		}
		handler(fd, data, fromPortEvents(evt.Events))
		processed++
		reassociate = append(reassociate, fd)
	}

	p.runPost()

	// Reassocia os fds entregues nesta rodada — um event port esquece o
	// registro de um fd assim que o entrega, então sem isto o fd nunca mais
	// reportaria prontidão.
	p.mu.Lock()
	for _, fd := range reassociate {
		if mask, ok := p.masks[fd]; ok {
			_ = p.associate(fd, mask)
		}
	}
	p.mu.Unlock()

	return processed, nil
}

func (p *portPoller) Close() error {
	return unix.Close(p.port)
}
