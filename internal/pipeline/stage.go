// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
	"github.com/nishisan-dev/stagedhttp/internal/scheduler"
)

// Runner processa uma Connection já destravada (ou não, em modo
// suppress-connection-lock) retirada do scheduler do Stage. O retorno segue
// a convenção do spec §4.5: negativo significa "já reenfileirei esta
// conexão e retive o lock — não me destrave"; não-negativo libera o lock
// normalmente após o retorno.
type Runner interface {
	ProcessTask(ctx context.Context, conn *connection.Connection) int
}

// RunnerFunc adapta uma função simples para a interface Runner.
type RunnerFunc func(ctx context.Context, conn *connection.Connection) int

// ProcessTask chama fn.
func (fn RunnerFunc) ProcessTask(ctx context.Context, conn *connection.Connection) int {
	return fn(ctx, conn)
}

// Stage é um nome, um scheduler e uma pool de worker goroutines executando o
// loop do spec §4.5.
type Stage struct {
	name   string
	sched  *scheduler.QueueScheduler
	runner Runner
	logger *slog.Logger

	pipeline *Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// NewStage cria um Stage nomeado com o scheduler e runner fornecidos.
// suppressConnectionLock configura o modo do QueueScheduler subjacente
// (spec §4.4 — WriteBackStage e RecycleStage usam true; os demais, false).
func NewStage(name string, suppressConnectionLock bool, runner Runner, logger *slog.Logger) *Stage {
	return &Stage{
		name:   name,
		sched:  scheduler.New(suppressConnectionLock),
		runner: runner,
		logger: logger,
	}
}

// Name retorna o nome registrado do Stage.
func (s *Stage) Name() string { return s.name }

// Scheduler expõe o QueueScheduler subjacente para que outros Stages possam
// enfileirar conexões nele (ex.: ParserStage enfileirando no HandlerStage).
func (s *Stage) Scheduler() *scheduler.QueueScheduler { return s.sched }

// Enqueue é um atalho para Scheduler().Enqueue.
func (s *Stage) Enqueue(c *connection.Connection) bool { return s.sched.Enqueue(c) }

// Start lança workerCount goroutines executando o loop do worker. Deve ser
// chamado após RegisterStage.
func (s *Stage) Start(ctx context.Context, workerCount int) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// workerLoop implementa o loop literal do spec §4.5:
//
//	loop:
//	  conn = scheduler.pick_task()
//	  rc = process_task(conn)
//	  if rc >= 0: conn.unlock()
func (s *Stage) workerLoop() {
	defer s.wg.Done()

	for {
		task, ok := s.sched.Pop(s.ctx)
		if !ok {
			return
		}
		conn, ok := task.(*connection.Connection)
		if !ok {
			continue
		}

		s.pipeline.RLock()
		rc := s.runner.ProcessTask(s.ctx, conn)
		s.pipeline.RUnlock()

		if rc >= 0 {
			conn.Unlock()
		}
	}
}

// Stop cancela o contexto do Stage e espera todos os workers retornarem.
func (s *Stage) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sched.Close()
	s.wg.Wait()
}
