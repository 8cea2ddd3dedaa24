// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build !linux

package stream

import "golang.org/x/sys/unix"

// sendFile cobre plataformas onde não especializamos o sendfile(2) nativo
// (FreeBSD e Darwin têm assinaturas de syscall distintas da do Linux). Em vez
// de duplicar três variantes de syscall, caímos para mmap+write: mapeia a
// faixa do arquivo e escreve o conteúdo mapeado no socket, evitando a cópia
// extra para um buffer alocado no heap do Go. Isto é registrado como uma
// simplificação deliberada na planilha de design.
func sendFile(outFD, inFD int, offset *int64, count int64) (int, error) {
	if count == 0 {
		return 0, nil
	}
	chunk := count
	const maxChunk = 4 << 20 // 4 MiB por mapeamento, evita mmaps gigantes
	if chunk > maxChunk {
		chunk = maxChunk
	}

	mapped, err := unix.Mmap(inFD, *offset, int(chunk), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return 0, err
	}
	defer unix.Munmap(mapped)

	n, err := unix.Write(outFD, mapped)
	if n > 0 {
		*offset += int64(n)
	}
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
