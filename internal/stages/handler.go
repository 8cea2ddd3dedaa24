// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stages

import (
	"context"
	"log/slog"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
	"github.com/nishisan-dev/stagedhttp/internal/handler"
	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
	"github.com/nishisan-dev/stagedhttp/internal/pipeline"
	"github.com/nishisan-dev/stagedhttp/internal/vhost"
)

// HandlerStage consome uma requisição completada por vez da fila Pending de
// uma conexão, resolve o chain de handlers casado pelo VHostConfig, e monta
// a resposta. Quando o chain se esgota sem responder, emite 503
// automaticamente (spec §4.10, §7).
type HandlerStage struct {
	stage     *pipeline.Stage
	writeback Enqueuer
	registry  *handler.Registry
	logger    *slog.Logger
}

// NewHandlerStage constrói o Runner e o Stage subjacente, registrados com o
// nome "handler".
func NewHandlerStage(writeback Enqueuer, registry *handler.Registry, logger *slog.Logger) *HandlerStage {
	h := &HandlerStage{writeback: writeback, registry: registry, logger: logger}
	h.stage = pipeline.NewStage("handler", false, h, logger)
	return h
}

// Stage expõe o *pipeline.Stage subjacente.
func (h *HandlerStage) Stage() *pipeline.Stage { return h.stage }

// Enqueue repassa para o scheduler do Stage subjacente.
func (h *HandlerStage) Enqueue(c *connection.Connection) bool { return h.stage.Enqueue(c) }

// ProcessTask processa exatamente uma requisição pendente da conexão por
// chamada. Se Response.Finish indicar que a resposta ainda não terminou de
// drenar, ou se outras requisições pipeline continuarem pendentes, a
// conexão é reenfileirada neste mesmo Stage e o lock é retido (rc
// negativo); caso contrário o lock é liberado normalmente.
func (h *HandlerStage) ProcessTask(ctx context.Context, conn *connection.Connection) int {
	if len(conn.Pending) == 0 {
		return 0
	}

	req, _ := conn.Pending[0].(*stagedhttp.Request)
	conn.Pending = conn.Pending[1:]

	resp := stagedhttp.NewResponse(conn, h.writeback)
	h.dispatch(req, resp)

	retained := resp.Finish()
	if retained || len(conn.Pending) > 0 {
		h.stage.Enqueue(conn)
		return -1
	}
	return 0
}

// dispatch resolve o chain de handlers casado por req.Rule e o executa,
// emitindo 503 quando não há regra casada ou nenhum handler do chain
// responde.
func (h *HandlerStage) dispatch(req *stagedhttp.Request, resp *stagedhttp.Response) {
	rule, _ := req.Rule.(*vhost.URLRule)
	if rule == nil {
		h.logger.Warn("handler: nenhuma regra de url casada, respondendo 503")
		resp.Respond(stagedhttp.StatusServiceUnavailable)
		return
	}

	chain, err := h.registry.Resolve(rule.Chain)
	if err != nil {
		h.logger.Warn("handler: falha ao resolver chain de handlers, respondendo 503", "err", err)
		resp.Respond(stagedhttp.StatusServiceUnavailable)
		return
	}

	if !chain.Run(req, resp) {
		h.logger.Warn("handler: chain se esgotou sem responder, respondendo 503")
		resp.Respond(stagedhttp.StatusServiceUnavailable)
	}
}
