// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stages

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
	"github.com/nishisan-dev/stagedhttp/internal/fdio"
	"github.com/nishisan-dev/stagedhttp/internal/pipeline"
	"github.com/nishisan-dev/stagedhttp/internal/poller"
)

// PollInStage possui o(s) Poller(s) do processo: registra/desregistra fds,
// despacha prontidão de leitura ao scheduler próprio (que faz o recv()
// fora da thread de espera do kernel), e varre conexões ociosas a cada
// rodada de Run via PostHandler (spec §4.7).
//
// A varredura de ociosidade usa um mutex de exclusão mútua não-bloqueante
// (scanMu.TryLock): se uma rodada de varredura anterior ainda estiver em
// andamento quando a próxima dispara, a nova rodada é simplesmente
// descartada em vez de empilhar, resolvendo a questão em aberto do spec
// sobre proteção de IdleScanner::last_scan_time_.
type PollInStage struct {
	stage   *pipeline.Stage
	poll    poller.Poller
	parser  Enqueuer
	recycle Enqueuer
	logger  *slog.Logger

	defaultIdleTimeout int64

	mu    sync.Mutex
	conns map[int]*connection.Connection

	scanMu sync.Mutex
}

// NewPollInStage constrói o Runner e o Stage subjacente, registrados com o
// nome "pollin", e arma o hook de varredura de ociosidade no Poller dado.
func NewPollInStage(poll poller.Poller, parser, recycle Enqueuer, defaultIdleTimeout int64, logger *slog.Logger) *PollInStage {
	p := &PollInStage{
		poll:               poll,
		parser:             parser,
		recycle:            recycle,
		logger:             logger,
		defaultIdleTimeout: defaultIdleTimeout,
		conns:              make(map[int]*connection.Connection),
	}
	p.stage = pipeline.NewStage("pollin", false, p, logger)
	poll.PostHandler(p.scanIdle)
	return p
}

// Stage expõe o *pipeline.Stage subjacente.
func (p *PollInStage) Stage() *pipeline.Stage { return p.stage }

// Register associa conn ao Poller para prontidão de leitura e HUP/ERR, e a
// registra no mapa interno usado pela varredura de ociosidade.
func (p *PollInStage) Register(conn *connection.Connection) error {
	conn.SetIdleTimeout(p.defaultIdleTimeout)
	if err := p.poll.Add(conn.FD(), poller.EventRead, conn); err != nil {
		return err
	}
	p.mu.Lock()
	p.conns[conn.FD()] = conn
	p.mu.Unlock()
	return nil
}

// Unregister remove conn do Poller e do mapa interno. Tolerante a fds já
// removidos.
func (p *PollInStage) Unregister(conn *connection.Connection) {
	_ = p.poll.Remove(conn.FD())
	p.mu.Lock()
	delete(p.conns, conn.FD())
	p.mu.Unlock()
}

// HandleEvent é o poller.Handler que RunPoller passa a Poll.Run:
// HUP/ERR dispara o caminho de limpeza imediatamente (barato, sem passar
// pelo scheduler); prontidão de leitura enfileira a conexão no scheduler
// deste Stage, para que o recv() propriamente dito aconteça em um worker
// em vez de na goroutine de espera do kernel.
func (p *PollInStage) HandleEvent(fd int, data interface{}, events poller.EventMask) {
	conn, ok := data.(*connection.Connection)
	if !ok {
		return
	}
	if events&poller.EventClosed != 0 {
		p.cleanup(conn)
		return
	}
	if events&poller.EventRead != 0 {
		p.stage.Enqueue(conn)
	}
}

// RunPoller dirige o loop de espera do Poller até ctx ser cancelado.
// timeoutMs é repassado a cada chamada de Run, permitindo que o loop
// observe o cancelamento periodicamente mesmo sem eventos pendentes.
func (p *PollInStage) RunPoller(ctx context.Context, timeoutMs int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := p.poll.Run(timeoutMs, p.HandleEvent); err != nil {
			if err == poller.ErrClosed {
				return
			}
			p.logger.Warn("pollin: erro no loop de espera do poller", "err", err)
		}
	}
}

// ProcessTask lê os bytes disponíveis do socket para o Input da conexão e
// repassa ao ParserStage. EOF ou erro não-transitório aciona a limpeza da
// conexão (spec §7: peer close/reset/HUP segue o mesmo caminho).
func (p *PollInStage) ProcessTask(ctx context.Context, conn *connection.Connection) int {
	n, err := conn.Input.ReadFromFD(fdio.Syscall{}, conn.FD())
	conn.Touch()

	if err != nil && !fdio.IsTransient(err) {
		p.cleanup(conn)
		return 0
	}
	if n == 0 && err == nil {
		p.cleanup(conn)
		return 0
	}
	if n > 0 {
		p.parser.Enqueue(conn)
	}
	return 0
}

// cleanup encerra o socket, marca a conexão inativa, a remove do Poller e
// do mapa interno, e a entrega ao RecycleStage.
func (p *PollInStage) cleanup(conn *connection.Connection) {
	_ = conn.Shutdown()
	conn.MarkInactive()
	p.Unregister(conn)
	p.recycle.Enqueue(conn)
}

// scanIdle varre as conexões registradas procurando por timeouts de
// ociosidade vencidos, descartando a rodada inteira se uma varredura
// anterior ainda estiver em andamento.
func (p *PollInStage) scanIdle() {
	if !p.scanMu.TryLock() {
		return
	}
	defer p.scanMu.Unlock()

	now := time.Now().Unix()
	p.mu.Lock()
	snapshot := make([]*connection.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		snapshot = append(snapshot, c)
	}
	p.mu.Unlock()

	for _, c := range snapshot {
		if c.Inactive() {
			continue
		}
		if c.IsIdleExpired(now) {
			p.logger.Debug("pollin: conexão ociosa expirada", "conn", c.ID())
			p.cleanup(c)
		}
	}
}
