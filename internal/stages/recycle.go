// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stages

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
	"github.com/nishisan-dev/stagedhttp/internal/pipeline"
	"github.com/nishisan-dev/stagedhttp/internal/poller"
)

// ConnectionRecycledNotifier recebe uma notificação por conexão destruída,
// usado para manter um gauge de conexões ativas (internal/observability)
// sem acoplar RecycleStage a um tipo concreto de métricas.
type ConnectionRecycledNotifier interface {
	ConnectionRecycled()
}

// RecycleStage acumula conexões destinadas à destruição e as descarta em
// lotes sob o lock exclusivo da Pipeline, para que nenhum outro worker de
// Stage esteja tocando uma Connection no instante em que seu fd é fechado
// (spec §4.11, invariante testável #8/#9).
type RecycleStage struct {
	stage *pipeline.Stage
	pl    *pipeline.Pipeline
	poll  poller.Poller

	batchSize int

	mu    sync.Mutex
	batch []*connection.Connection

	metrics ConnectionRecycledNotifier
	logger  *slog.Logger
}

// SetMetrics registra um receptor opcional de notificação de reciclagem;
// nil (o default) é um no-op seguro.
func (r *RecycleStage) SetMetrics(m ConnectionRecycledNotifier) { r.metrics = m }

// NewRecycleStage constrói o Runner e o Stage subjacente, registrados com o
// nome "recycle". batchSize é o recycle_threshold do §6: o número de
// conexões acumuladas antes de tomar o lock exclusivo e descartar o lote.
func NewRecycleStage(pl *pipeline.Pipeline, poll poller.Poller, batchSize int, logger *slog.Logger) *RecycleStage {
	if batchSize < 1 {
		batchSize = 1
	}
	r := &RecycleStage{pl: pl, poll: poll, batchSize: batchSize, logger: logger}
	r.stage = pipeline.NewStage("recycle", true, r, logger)
	return r
}

// Stage expõe o *pipeline.Stage subjacente para registro na Pipeline.
func (r *RecycleStage) Stage() *pipeline.Stage { return r.stage }

// Enqueue repassa para o scheduler do Stage subjacente.
func (r *RecycleStage) Enqueue(c *connection.Connection) bool { return r.stage.Enqueue(c) }

// ProcessTask acumula conn no lote corrente e dispara flush quando o lote
// atinge batchSize.
func (r *RecycleStage) ProcessTask(ctx context.Context, conn *connection.Connection) int {
	r.mu.Lock()
	r.batch = append(r.batch, conn)
	var toFlush []*connection.Connection
	if len(r.batch) >= r.batchSize {
		toFlush = r.batch
		r.batch = nil
	}
	r.mu.Unlock()

	if toFlush != nil {
		r.flush(toFlush)
	}
	return 0
}

// flush toma o lock exclusivo da Pipeline, fecha os sockets do lote, remove
// seus registros do Poller, e as desassocia da Pipeline.
func (r *RecycleStage) flush(batch []*connection.Connection) {
	r.pl.Lock()
	defer r.pl.Unlock()

	for _, c := range batch {
		if err := r.poll.Remove(c.FD()); err != nil {
			r.logger.Debug("recycle: poller.Remove falhou (provavelmente já removido)", "conn", c.ID(), "err", err)
		}
		if err := c.CloseSocket(); err != nil {
			r.logger.Debug("recycle: close do socket falhou", "conn", c.ID(), "err", err)
		}
		r.pl.DisposeConnection(c)
		if r.metrics != nil {
			r.metrics.ConnectionRecycled()
		}
	}
	r.logger.Debug("recycle: lote descartado", "count", len(batch))
}

// Flush força o descarte imediato de qualquer conexão acumulada mas ainda
// abaixo do limiar do lote. Chamado no desligamento gracioso para não
// vazar fds de conexões que nunca completaram um lote.
func (r *RecycleStage) Flush() {
	r.mu.Lock()
	batch := r.batch
	r.batch = nil
	r.mu.Unlock()
	if len(batch) > 0 {
		r.flush(batch)
	}
}
