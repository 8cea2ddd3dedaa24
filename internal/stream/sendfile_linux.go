// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package stream

import "golang.org/x/sys/unix"

// sendFile usa o syscall sendfile(2) do Linux para copiar bytes de um
// descritor de arquivo diretamente para um socket, sem passar pelo espaço de
// usuário.
func sendFile(outFD, inFD int, offset *int64, count int64) (int, error) {
	n, err := unix.Sendfile(outFD, inFD, offset, int(count))
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return n, errWouldBlock
		case unix.EINTR:
			return n, errInterrupted
		}
	}
	return n, err
}
