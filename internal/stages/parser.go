// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stages

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/nishisan-dev/stagedhttp/internal/buffer"
	"github.com/nishisan-dev/stagedhttp/internal/connection"
	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
	"github.com/nishisan-dev/stagedhttp/internal/pipeline"
	"github.com/nishisan-dev/stagedhttp/internal/vhost"
)

// maxEagerBodySize é o limiar (kMaxBodySize do spec §4.9) abaixo do qual o
// corpo inteiro é lido para dentro da Request antes de entregá-la ao
// HandlerStage; acima dele, o corpo permanece no Input da conexão e o
// handler é responsável por consumi-lo via streaming.
const maxEagerBodySize = 64 * 1024

// maxRequestsPerTick limita quantas requisições completas um único worker
// extrai do Input de uma conexão antes de devolvê-la ao scheduler, para que
// uma conexão com muitas requisições pipeline não monopolize um worker.
const maxRequestsPerTick = 16

// ParserStage drives o parser HTTP incremental sobre o Input de cada
// conexão lida, populando Pending e enfileirando no HandlerStage quando uma
// requisição completa (spec §4.9).
type ParserStage struct {
	stage   *pipeline.Stage
	handler Enqueuer
	recycle Enqueuer
	vhosts  atomic.Pointer[vhost.Config]
	logger  *slog.Logger
}

// NewParserStage constrói o Runner e o Stage subjacente, registrados com o
// nome "parser".
func NewParserStage(handler, recycle Enqueuer, vhosts *vhost.Config, logger *slog.Logger) *ParserStage {
	p := &ParserStage{handler: handler, recycle: recycle, logger: logger}
	p.vhosts.Store(vhosts)
	p.stage = pipeline.NewStage("parser", false, p, logger)
	return p
}

// Stage expõe o *pipeline.Stage subjacente.
func (p *ParserStage) Stage() *pipeline.Stage { return p.stage }

// SetVHosts substitui a árvore de VHosts em uso de forma atômica, sem exigir
// que nenhum worker do ParserStage pare — usado por internal/maintenance
// para aplicar uma recarga de config em tempo de execução.
func (p *ParserStage) SetVHosts(vc *vhost.Config) { p.vhosts.Store(vc) }

// Enqueue repassa para o scheduler do Stage subjacente.
func (p *ParserStage) Enqueue(c *connection.Connection) bool { return p.stage.Enqueue(c) }

// ProcessTask extrai até maxRequestsPerTick requisições completas do Input
// da conexão, resolve cada uma contra a árvore de VHosts, e a anexa a
// Pending. Quando ao menos uma requisição foi extraída no tick, a conexão é
// enfileirada uma única vez no HandlerStage.
func (p *ParserStage) ProcessTask(ctx context.Context, conn *connection.Connection) int {
	parser, _ := conn.ParserState.(*stagedhttp.Parser)
	if parser == nil {
		parser = stagedhttp.NewParser()
		conn.ParserState = parser
	}

	produced := 0
	for i := 0; i < maxRequestsPerTick; i++ {
		req, ok, err := stagedhttp.ConsumeFromBuffer(conn.Input, parser)
		if err != nil {
			p.logger.Warn("parser: requisição malformada, fechando conexão", "conn", conn.ID(), "err", err)
			p.activeClose(conn)
			return 0
		}
		if !ok {
			break
		}

		p.resolveVHost(conn, req)
		p.readEagerBody(conn, req)

		conn.Pending = append(conn.Pending, req)
		conn.ParserState = stagedhttp.NewParser()
		parser = conn.ParserState.(*stagedhttp.Parser)
		produced++

		if !req.KeepAlive {
			conn.SetCloseAfterFinish()
		}
	}

	if produced > 0 {
		p.handler.Enqueue(conn)
	}
	return 0
}

// resolveVHost casa o cabeçalho Host e o path da requisição contra a árvore
// de VHosts compilada, vinculando a regra casada (ou deixando Rule nil,
// tratado como 503 pelo HandlerStage).
func (p *ParserStage) resolveVHost(conn *connection.Connection, req *stagedhttp.Request) {
	vhosts := p.vhosts.Load()
	if vhosts == nil {
		return
	}
	host, _ := req.Host()
	rule, rewritten, ok := vhosts.Resolve(host, req.Path)
	if !ok {
		return
	}
	req.Rule = rule
	req.Path = rewritten
}

// readEagerBody lê o corpo completo para dentro da Request quando seu
// tamanho está dentro de maxEagerBodySize; do contrário o corpo permanece
// intocado no Input da conexão, para ser consumido via streaming pelo
// handler.
func (p *ParserStage) readEagerBody(conn *connection.Connection, req *stagedhttp.Request) {
	if req.Chunked || req.ContentLength <= 0 || req.ContentLength > maxEagerBodySize {
		return
	}
	if conn.Input.Size() < req.ContentLength {
		return
	}
	body := make([]byte, req.ContentLength)
	conn.Input.CopyFront(body, int(req.ContentLength))
	conn.Input.Pop(int(req.ContentLength))
	buf := buffer.New()
	buf.Append(body)
	req.Body = buf
}

// activeClose encerra ambos os lados do socket e entrega a conexão ao
// RecycleStage, seguindo a política de erro de protocolo do spec §7.
func (p *ParserStage) activeClose(conn *connection.Connection) {
	_ = conn.Shutdown()
	conn.MarkInactive()
	p.recycle.Enqueue(conn)
}
