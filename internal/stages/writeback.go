// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stages

import (
	"context"
	"log/slog"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
	"github.com/nishisan-dev/stagedhttp/internal/fdio"
	"github.com/nishisan-dev/stagedhttp/internal/pipeline"
)

// Enqueuer é satisfeita por *pipeline.Stage: a interface mínima que um
// estágio usa para repassar uma conexão ao próximo estágio da esteira.
type Enqueuer interface {
	Enqueue(c *connection.Connection) bool
}

// WriteBackStage drena o OutputStream de uma conexão para seu socket. Roda
// com suppress_connection_lock=true: a conexão chega já travada por quem a
// enfileirou (HandlerStage reteve o lock via um rc negativo antes de
// enfileirar aqui), e este estágio é quem decide, ao final, se libera o
// lock ou o retém para uma próxima rodada de dreno (spec §4.8).
type WriteBackStage struct {
	stage   *pipeline.Stage
	recycle Enqueuer
	logger  *slog.Logger
}

// NewWriteBackStage constrói o Runner e o Stage subjacente, registrados com
// o nome "writeback". recycle é o estágio para onde conexões marcadas
// close_after_finish são encaminhadas assim que terminam de drenar.
func NewWriteBackStage(recycle Enqueuer, logger *slog.Logger) *WriteBackStage {
	w := &WriteBackStage{recycle: recycle, logger: logger}
	w.stage = pipeline.NewStage("writeback", true, w, logger)
	return w
}

// Stage expõe o *pipeline.Stage subjacente para registro na Pipeline e para
// que outros estágios o usem como Enqueuer.
func (w *WriteBackStage) Stage() *pipeline.Stage { return w.stage }

// Enqueue repassa para o scheduler do Stage subjacente.
func (w *WriteBackStage) Enqueue(c *connection.Connection) bool { return w.stage.Enqueue(c) }

// ProcessTask drena um sink do OutputStream por vez. Alterna o socket para
// modo bloqueante durante o dreno (o peer já sinalizou prontidão de
// escrita; um dreno bloqueante evita reagendar o worker para writes
// pequenos e frequentes) e volta a não-bloqueante ao final.
func (w *WriteBackStage) ProcessTask(ctx context.Context, conn *connection.Connection) int {
	if err := fdio.SetNonblock(conn.FD(), false); err != nil {
		w.logger.Warn("writeback: falha ao marcar socket como bloqueante", "conn", conn.ID(), "err", err)
	}
	_, err := conn.Output.WriteIntoOutput(fdio.Syscall{}, conn.FD())
	if rearmErr := fdio.SetNonblock(conn.FD(), true); rearmErr != nil {
		w.logger.Warn("writeback: falha ao restaurar socket não-bloqueante", "conn", conn.ID(), "err", rearmErr)
	}

	if err != nil && !fdio.IsTransient(err) {
		w.logger.Warn("writeback: erro irrecuperável, enviando para recycle", "conn", conn.ID(), "err", err)
		w.recycle.Enqueue(conn)
		return -1
	}

	if !conn.Output.IsDone() {
		w.stage.Enqueue(conn)
		return -1
	}

	if conn.CloseAfterFinish() {
		w.recycle.Enqueue(conn)
		return -1
	}

	return 0
}
