// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fdio adapta chamadas de sistema brutas (read/write/sendfile) sobre
// descritores de arquivo crus para as interfaces buffer.Reader/buffer.Writer
// e para o sink de zero-copy do OutputStream.
package fdio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock é retornado quando a chamada de sistema reportaria EAGAIN/EWOULDBLOCK.
var ErrWouldBlock = errors.New("fdio: would block")

// ErrInterrupted é retornado quando a chamada de sistema foi interrompida (EINTR),
// transitório e deve ser re-tentado pelo chamador conforme §7.
var ErrInterrupted = errors.New("fdio: interrupted")

// Syscall é a implementação real de buffer.Reader e buffer.Writer sobre
// descritores de socket não bloqueantes.
type Syscall struct{}

// Read lê do fd até len(p) bytes. Erros transitórios são normalizados para
// ErrWouldBlock/ErrInterrupted; os demais são retornados como estão.
func (Syscall) Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return n, err
		}
	}
}

// Write escreve em fd até len(p) bytes, normalizando erros transitórios.
func (Syscall) Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return n, ErrWouldBlock
		default:
			return n, err
		}
	}
}

// SetNonblock alterna o fd entre bloqueante e não bloqueante. WriteBackStage
// usa isto para alternar a socket para bloqueante durante um dreno (§4.8).
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// IsTransient reporta se err é um erro transitório (retry-able) de acordo
// com a política de erros do §7.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}
