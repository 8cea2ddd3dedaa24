// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream implementa OutputStream: uma fila ordenada e heterogênea de
// sinks (buffers em memória e faixas de arquivo) drenada por WriteBackStage
// um sink por vez, com coalescência de appends consecutivos em memória e
// contabilidade de uso de memória para backpressure.
package stream

import (
	"container/list"
	"errors"
	"os"
	"sync"

	"github.com/nishisan-dev/stagedhttp/internal/buffer"
)

var (
	errWouldBlock  = errors.New("stream: would block")
	errInterrupted = errors.New("stream: interrupted")
)

// OutputStream acumula a resposta pendente de uma conexão. Handlers anexam
// dados via AppendData/AppendBuffer/AppendFile; WriteBackStage drena via
// WriteIntoOutput até IsDone relatar verdadeiro.
type OutputStream struct {
	mu       sync.Mutex
	sinks    *list.List
	memUsage int64
}

// New cria um OutputStream vazio.
func New() *OutputStream {
	return &OutputStream{sinks: list.New()}
}

// AppendData copia bytes para o sink de buffer da cauda, criando um novo
// sink de buffer se a cauda atual não for um (ou estiver vazia), coalescendo
// appends consecutivos no mesmo Buffer em vez de empilhar sinks pequenos.
func (os_ *OutputStream) AppendData(data []byte) {
	if len(data) == 0 {
		return
	}
	os_.mu.Lock()
	defer os_.mu.Unlock()

	if back := os_.sinks.Back(); back != nil {
		if bs, ok := back.Value.(*bufferSink); ok {
			before := bs.buf.Size()
			bs.buf.Append(data)
			os_.memUsage += bs.buf.Size() - before
			return
		}
	}
	buf := buffer.New()
	buf.Append(data)
	os_.sinks.PushBack(&bufferSink{buf: buf})
	os_.memUsage += buf.Size()
}

// AppendBuffer anexa uma cópia lógica (copy-on-write) de buf como um novo
// sink independente, sem coalescer com a cauda existente — usado quando o
// chamador quer preservar os limites do buffer original (ex.: um corpo de
// requisição repassado verbatim).
func (os_ *OutputStream) AppendBuffer(buf *buffer.Buffer) {
	if buf.Size() == 0 {
		return
	}
	clone := buf.Clone()
	os_.mu.Lock()
	defer os_.mu.Unlock()
	os_.sinks.PushBack(&bufferSink{buf: clone})
	os_.memUsage += clone.Size()
}

// AppendFile anexa uma faixa de um arquivo já aberto como sink de zero-copy.
// length == -1 significa "do offset até o EOF". A posse do *os.File passa
// para o OutputStream: ele é fechado quando o sink termina de drenar.
func (os_ *OutputStream) AppendFile(f *os.File, offset, length int64) error {
	fr, err := NewFileRange(f, offset, length)
	if err != nil {
		return err
	}
	os_.mu.Lock()
	defer os_.mu.Unlock()
	os_.sinks.PushBack(fr)
	return nil
}

// WriteIntoOutput drena o sink da cabeça uma única vez, escrevendo no fd de
// destino. Buffers usam w (gather write via fdio.Syscall); FileRange usa o
// primitivo de zero-copy da plataforma e ignora w. Sinks completamente
// drenados são removidos e fechados.
func (os_ *OutputStream) WriteIntoOutput(w buffer.Writer, fd int) (int, error) {
	os_.mu.Lock()
	front := os_.sinks.Front()
	os_.mu.Unlock()
	if front == nil {
		return 0, nil
	}

	s := front.Value.(sink)
	before := s.memoryUsage()
	n, done, err := s.drain(w, fd)
	after := s.memoryUsage()

	os_.mu.Lock()
	os_.memUsage += after - before
	if done {
		os_.sinks.Remove(front)
		_ = s.close()
	}
	os_.mu.Unlock()

	return n, err
}

// IsDone relata se não há mais sinks pendentes para drenar.
func (os_ *OutputStream) IsDone() bool {
	os_.mu.Lock()
	defer os_.mu.Unlock()
	return os_.sinks.Len() == 0
}

// MemoryUsage retorna a soma dos tamanhos dos sinks de buffer pendentes,
// excluindo FileRange (que não ocupa memória de heap própria).
func (os_ *OutputStream) MemoryUsage() int64 {
	os_.mu.Lock()
	defer os_.mu.Unlock()
	return os_.memUsage
}

// Reset descarta todos os sinks pendentes, fechando arquivos abertos. Usado
// por RecycleStage ao devolver a conexão ao pool.
func (os_ *OutputStream) Reset() {
	os_.mu.Lock()
	defer os_.mu.Unlock()
	for e := os_.sinks.Front(); e != nil; e = e.Next() {
		_ = e.Value.(sink).close()
	}
	os_.sinks.Init()
	os_.memUsage = 0
}
