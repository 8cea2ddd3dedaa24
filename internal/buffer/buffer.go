// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implementa um buffer de bytes paginado com compartilhamento
// copy-on-write, usado como entrada/saída de cada conexão no pipeline.
//
// O layout segue um modelo de lista de páginas de tamanho fixo: append é
// O(1) amortizado na cauda, pop é O(1) amortizado na cabeça, e uma página
// extra é pré-alocada para absorver leituras em rajada vindas do socket.
package buffer

import (
	"errors"
	"sync/atomic"
)

// PageSize é o tamanho fixo de cada página em bytes.
const PageSize = 8192

// ErrShortWrite indica que write_to_fd não conseguiu escrever nada (EAGAIN).
var ErrShortWrite = errors.New("buffer: short write")

// page é uma única página de bytes. Compartilhada por ponteiro entre estados
// que ainda não divergiram via copy-on-write.
type page struct {
	data [PageSize]byte
}

// state é o núcleo compartilhável de um Buffer: a lista de páginas mais os
// offsets de cabeça/cauda. Um refCount atômico rastreia quantos *Buffer*
// apontam para o mesmo state; quando > 1, qualquer mutação precisa clonar.
type state struct {
	pages       []*page
	leftOffset  int // bytes já consumidos na primeira página
	rightOffset int // bytes livres no final da última página
	size        int64
	extra       *page // página extra pré-alocada para scatter reads

	refCount atomic.Int32
}

func newState() *state {
	s := &state{
		pages: []*page{{}},
		extra: &page{},
	}
	s.rightOffset = PageSize
	s.refCount.Store(1)
	return s
}

// clone produz uma cópia profunda e independente do state, com refCount 1.
func (s *state) clone() *state {
	ns := &state{
		pages:       make([]*page, len(s.pages)),
		leftOffset:  s.leftOffset,
		rightOffset: s.rightOffset,
		size:        s.size,
	}
	for i, p := range s.pages {
		np := &page{}
		np.data = p.data
		ns.pages[i] = np
	}
	ne := &page{}
	ne.data = s.extra.data
	ns.extra = ne
	ns.refCount.Store(1)
	return ns
}

// Buffer é um container de bytes paginado com semântica copy-on-write: Clone
// é O(1) e independente até a primeira mutação de qualquer uma das cópias.
type Buffer struct {
	st      *state
	isOwner bool // true quando este Buffer foi quem criou o state (nunca clonado)
}

// New cria um Buffer vazio com uma página e uma página extra pré-alocada.
func New() *Buffer {
	return &Buffer{st: newState(), isOwner: true}
}

// Clone retorna um novo Buffer compartilhando o state atual (O(1)). Qualquer
// mutação subsequente em qualquer uma das cópias dispara um deep clone.
func (b *Buffer) Clone() *Buffer {
	b.st.refCount.Add(1)
	return &Buffer{st: b.st, isOwner: false}
}

// prepareForWrite garante posse exclusiva do state antes de uma mutação.
func (b *Buffer) prepareForWrite() {
	if b.st.refCount.Load() > 1 {
		old := b.st
		b.st = old.clone()
		b.isOwner = true
		old.refCount.Add(-1)
	}
}

// Size retorna o número lógico de bytes atualmente no buffer.
func (b *Buffer) Size() int64 {
	return b.st.size
}

// PageCount retorna o número de páginas atualmente na lista (exclui a extra).
func (b *Buffer) PageCount() int {
	return len(b.st.pages)
}

// Append adiciona bytes ao final do buffer, alocando páginas conforme
// necessário. Sempre tem sucesso (falha de alocação é fatal, como no spec).
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.prepareForWrite()
	s := b.st

	for len(data) > 0 {
		last := s.pages[len(s.pages)-1]
		if s.rightOffset == 0 {
			s.pages = append(s.pages, &page{})
			s.rightOffset = PageSize
			last = s.pages[len(s.pages)-1]
		}
		n := s.rightOffset
		if n > len(data) {
			n = len(data)
		}
		start := PageSize - s.rightOffset
		copy(last.data[start:start+n], data[:n])
		s.rightOffset -= n
		s.size += int64(n)
		data = data[n:]
	}
}

// Pop descarta n bytes da cabeça do buffer. Retorna false sem efeito algum
// se n > size, conforme a propriedade testável #1.
func (b *Buffer) Pop(n int) bool {
	if int64(n) > b.st.size {
		return false
	}
	if n == 0 {
		return true
	}
	b.prepareForWrite()
	s := b.st

	remaining := n
	for remaining > 0 {
		avail := PageSize - s.leftOffset
		if len(s.pages) == 1 {
			// última página também: respeita rightOffset.
			avail = PageSize - s.leftOffset - s.rightOffset
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		s.leftOffset += take
		remaining -= take

		if s.leftOffset == PageSize {
			if len(s.pages) > 1 {
				s.pages = s.pages[1:]
				s.leftOffset = 0
			}
			// se for a última página, o loop termina porque avail==0 a seguir
		}
	}
	s.size -= int64(n)
	if s.size == 0 {
		s.leftOffset = 0
		s.rightOffset = PageSize
		s.pages = s.pages[:1]
	}
	return true
}

// CopyFront copia os primeiros n bytes do buffer para dest, sem consumi-los.
// Retorna false se size < n.
func (b *Buffer) CopyFront(dest []byte, n int) bool {
	if int64(n) > b.st.size || len(dest) < n {
		return false
	}
	s := b.st
	remaining := n
	pageIdx := 0
	offset := s.leftOffset
	destOff := 0
	for remaining > 0 {
		p := s.pages[pageIdx]
		end := PageSize
		if pageIdx == len(s.pages)-1 {
			end = PageSize - s.rightOffset
		}
		avail := end - offset
		take := avail
		if take > remaining {
			take = remaining
		}
		copy(dest[destOff:destOff+take], p.data[offset:offset+take])
		destOff += take
		remaining -= take
		offset = 0
		pageIdx++
	}
	return true
}

// GetPageSegment retorna o trecho vivo de uma página, respeitando os offsets
// de cabeça/cauda quando ela é a primeira ou a última página.
func (b *Buffer) GetPageSegment(idx int) []byte {
	s := b.st
	if idx < 0 || idx >= len(s.pages) {
		return nil
	}
	p := s.pages[idx]
	start := 0
	end := PageSize
	if idx == 0 {
		start = s.leftOffset
	}
	if idx == len(s.pages)-1 {
		end = PageSize - s.rightOffset
	}
	if start > end {
		return nil
	}
	return p.data[start:end]
}

// Reader permite que ReadFromFD/WriteToFD trabalhem sobre qualquer descritor
// de leitura/escrita não bloqueante (socket real ou fake de teste).
type Reader interface {
	Read(fd int, p []byte) (int, error)
}

// Writer é o análogo de escrita de Reader.
type Writer interface {
	Write(fd int, p []byte) (int, error)
}

// ReadFromFD realiza uma leitura scatter de duas entradas: primeiro no
// espaço livre da última página, depois na página extra pré-alocada. Se a
// segunda entrada recebeu bytes, ela se torna a nova última página e uma
// página extra fresca é alocada. Retorna a contagem bruta (pode ser 0).
func (b *Buffer) ReadFromFD(r Reader, fd int) (int, error) {
	b.prepareForWrite()
	s := b.st

	last := s.pages[len(s.pages)-1]
	start := PageSize - s.rightOffset
	tail := last.data[start:PageSize]

	total := 0
	if len(tail) > 0 {
		n, err := r.Read(fd, tail)
		if n > 0 {
			s.rightOffset -= n
			s.size += int64(n)
			total += n
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return n, err
		}
		if n < len(tail) {
			// não preencheu a cauda: não tenta a página extra agora.
			return total, nil
		}
	}

	// Cauda cheia: tenta a página extra.
	n2, err := r.Read(fd, s.extra.data[:])
	if n2 > 0 {
		s.pages = append(s.pages, s.extra)
		s.rightOffset = PageSize - n2
		s.size += int64(n2)
		s.extra = &page{}
		total += n2
	}
	if err != nil && total == 0 {
		return n2, err
	}
	return total, nil
}

// WriteToFD realiza uma escrita gather de até duas páginas líderes (já
// ajustadas pelos offsets de cabeça/cauda) e, em caso de sucesso parcial ou
// total, consome (Pop) os bytes efetivamente escritos.
func (b *Buffer) WriteToFD(w Writer, fd int) (int, error) {
	s := b.st
	if s.size == 0 {
		return 0, nil
	}

	seg0 := b.GetPageSegment(0)
	total := 0

	n, err := w.Write(fd, seg0)
	if n > 0 {
		total += n
	}
	if err != nil {
		if total > 0 {
			b.Pop(total)
		}
		return total, err
	}
	if n < len(seg0) || len(s.pages) == 1 {
		if total > 0 {
			b.Pop(total)
		}
		return total, nil
	}

	seg1 := b.GetPageSegment(1)
	n2, err2 := w.Write(fd, seg1)
	if n2 > 0 {
		total += n2
	}
	if total > 0 {
		b.Pop(total)
	}
	if err2 != nil && n2 == 0 {
		return total, err2
	}
	return total, nil
}
