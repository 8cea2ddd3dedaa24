// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"os"

	"github.com/nishisan-dev/stagedhttp/internal/buffer"
)

// sink é um nó drenável do OutputStream: um Buffer em memória ou uma faixa
// de arquivo aberta enviada via zero-copy.
type sink interface {
	// drain escreve o quanto puder no fd de destino nesta chamada. Retorna
	// os bytes escritos e se o sink foi completamente consumido.
	drain(w buffer.Writer, fd int) (written int, done bool, err error)
	// memoryUsage é o quanto este sink conta para o backpressure em memória.
	memoryUsage() int64
	// close libera recursos do sink (fecha o arquivo de uma FileRange).
	close() error
}

// bufferSink é um sink apoiado por um buffer.Buffer em memória.
type bufferSink struct {
	buf *buffer.Buffer
}

func (s *bufferSink) drain(w buffer.Writer, fd int) (int, bool, error) {
	n, err := s.buf.WriteToFD(w, fd)
	return n, s.buf.Size() == 0, err
}

func (s *bufferSink) memoryUsage() int64 { return s.buf.Size() }
func (s *bufferSink) close() error       { return nil }

// FileRange é um sink apoiado por um descritor de arquivo aberto, drenado
// via o primitivo de zero-copy da plataforma (sendfile ou mmap+write).
type FileRange struct {
	file      *os.File
	offset    int64
	remaining int64
}

// NewFileRange cria uma FileRange a partir de um *os.File já aberto e
// posicionado. length == -1 significa "do offset até o EOF", resolvido aqui
// via Stat (conforme a decisão de design registrada no spec §9).
func NewFileRange(f *os.File, offset, length int64) (*FileRange, error) {
	if length < 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		length = info.Size() - offset
		if length < 0 {
			length = 0
		}
	}
	return &FileRange{file: f, offset: offset, remaining: length}, nil
}

func (fr *FileRange) drain(_ buffer.Writer, fd int) (int, bool, error) {
	if fr.remaining <= 0 {
		return 0, true, nil
	}
	n, err := sendFile(fd, int(fr.file.Fd()), &fr.offset, fr.remaining)
	if n > 0 {
		fr.remaining -= int64(n)
	}
	return n, fr.remaining <= 0, err
}

func (fr *FileRange) memoryUsage() int64 { return 0 }
func (fr *FileRange) close() error       { return fr.file.Close() }
