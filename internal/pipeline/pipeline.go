// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pipeline implementa o registro processo-wide de Stages e o dono
// das conexões: a Pipeline. O rwlock da Pipeline é o ponto de quiesce que
// permite ao RecycleStage destruir conexões em lote com segurança.
package pipeline

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
)

// ConnectionFactory cria uma Connection a partir de um socket aceito. É
// pluggable conforme §6 (o "ConnectionFactory" citado no §3 do spec).
type ConnectionFactory func(id connection.ID, fd int, nc net.Conn) *connection.Connection

// DefaultConnectionFactory é o ConnectionFactory usado quando nenhum outro é
// fornecido ao construir a Pipeline.
func DefaultConnectionFactory(id connection.ID, fd int, nc net.Conn) *connection.Connection {
	return connection.New(id, fd, nc)
}

// Pipeline é o registro processo-wide: nome → Stage, mais o dono de todas as
// Connections vivas. O rwlock é tomado compartilhado por todo worker de
// Stage que toca estado de conexão, e exclusivo apenas pelo RecycleStage
// para quiescer os demais workers antes de destruir conexões (spec §4.5,
// invariante testável #8).
type Pipeline struct {
	rw sync.RWMutex

	stagesMu sync.Mutex
	stages   map[string]*Stage

	factory ConnectionFactory
	nextID  atomic.Uint64

	connsMu sync.Mutex
	conns   map[connection.ID]*connection.Connection
}

// New cria uma Pipeline vazia com a ConnectionFactory dada (ou a default, se
// factory for nil).
func New(factory ConnectionFactory) *Pipeline {
	if factory == nil {
		factory = DefaultConnectionFactory
	}
	return &Pipeline{
		stages:  make(map[string]*Stage),
		factory: factory,
		conns:   make(map[connection.ID]*connection.Connection),
	}
}

// RLock/RUnlock expõem o lado compartilhado do rwlock para os workers de
// Stage; ver Lock/Unlock para o lado exclusivo usado por RecycleStage.
func (p *Pipeline) RLock()   { p.rw.RLock() }
func (p *Pipeline) RUnlock() { p.rw.RUnlock() }

// Lock/Unlock expõem o lado exclusivo do rwlock. Só RecycleStage deve
// chamar isto (spec §4.5/§4.11).
func (p *Pipeline) Lock()   { p.rw.Lock() }
func (p *Pipeline) Unlock() { p.rw.Unlock() }

// RegisterStage associa um Stage nomeado à Pipeline. Deve ser chamado antes
// de Start() em qualquer Stage.
func (p *Pipeline) RegisterStage(s *Stage) {
	p.stagesMu.Lock()
	defer p.stagesMu.Unlock()
	s.pipeline = p
	p.stages[s.Name()] = s
}

// Stage retorna o Stage nomeado e se ele existe.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	p.stagesMu.Lock()
	defer p.stagesMu.Unlock()
	s, ok := p.stages[name]
	return s, ok
}

// CreateConnection constrói uma Connection via a ConnectionFactory e a
// registra na Pipeline como proprietária exclusiva. Chamado pelo accept
// loop ao aceitar um novo socket.
func (p *Pipeline) CreateConnection(fd int, nc net.Conn) *connection.Connection {
	id := connection.ID(p.nextID.Add(1))
	c := p.factory(id, fd, nc)

	p.connsMu.Lock()
	p.conns[id] = c
	p.connsMu.Unlock()

	return c
}

// DisposeConnection remove a conexão do registro da Pipeline. O chamador
// (RecycleStage) deve já ter fechado o socket e removido a conexão de todos
// os Pollers/Schedulers antes de chamar isto, e deve possuir o lock
// exclusivo da Pipeline enquanto o faz (spec testável #9).
func (p *Pipeline) DisposeConnection(c *connection.Connection) {
	p.connsMu.Lock()
	delete(p.conns, c.ID())
	p.connsMu.Unlock()
}

// ConnectionCount retorna o número de conexões atualmente possuídas pela
// Pipeline (vivas, não necessariamente ativas em algum Stage).
func (p *Pipeline) ConnectionCount() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	return len(p.conns)
}

// StopAllStages sinaliza parada a todos os Stages registrados e espera seus
// workers terminarem. Usado pelo desligamento gracioso do processo.
func (p *Pipeline) StopAllStages() {
	p.stagesMu.Lock()
	stages := make([]*Stage, 0, len(p.stages))
	for _, s := range p.stages {
		stages = append(stages, s)
	}
	p.stagesMu.Unlock()

	for _, s := range stages {
		s.Stop()
	}
}
