// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package http

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nishisan-dev/stagedhttp/internal/buffer"
	"github.com/nishisan-dev/stagedhttp/internal/connection"
)

// WriteBackEnqueuer é satisfeito por *pipeline.Stage: a interface mínima que
// Response precisa para enfileirar a conexão no WriteBackStage quando a
// resposta termina de ser montada mas ainda não terminou de drenar (o
// equivalente, em Go, ao comportamento de destrutor do spec §4.12 — sem
// destrutores, o HandlerStage chama Finish explicitamente ao final de cada
// requisição processada).
type WriteBackEnqueuer interface {
	Enqueue(c *connection.Connection) bool
}

// Response monta uma resposta HTTP/1.x para uma Connection: linha de
// status, cabeçalhos, content-length automático, e um corpo acumulado em um
// "prepare buffer" até respond() comitá-lo no OutputStream.
type Response struct {
	conn      *connection.Connection
	writeBack WriteBackEnqueuer

	headers Headers

	contentLength        int64
	contentLengthSet     bool
	contentLengthEnabled bool

	prepare *buffer.Buffer

	responded bool
}

// NewResponse cria uma Response vazia vinculada a conn, capaz de se
// enfileirar em writeBack quando precisar drenar de forma assíncrona.
func NewResponse(conn *connection.Connection, writeBack WriteBackEnqueuer) *Response {
	r := &Response{conn: conn, writeBack: writeBack}
	r.reset()
	return r
}

func (r *Response) reset() {
	r.headers = nil
	r.contentLength = 0
	r.contentLengthSet = false
	r.contentLengthEnabled = true
	r.prepare = buffer.New()
	r.responded = false
}

// Reset limpa cabeçalhos, o prepare buffer e as flags de resposta para
// reuso, sem destruir o OutputStream da conexão (spec §4.12).
func (r *Response) Reset() { r.reset() }

// Responded reporta se Respond já foi chamado.
func (r *Response) Responded() bool { return r.responded }

// AddHeader adiciona um cabeçalho à resposta. Um match case-insensitive
// contra "Content-Length" desvia o valor para o campo tipado em vez de
// virar uma linha de cabeçalho (spec §4.12).
func (r *Response) AddHeader(key, value string) {
	if asciiEqualFold(key, "Content-Length") {
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			r.contentLength = n
			r.contentLengthSet = true
		}
		return
	}
	r.headers.Add(key, value)
}

// SetContentLength define explicitamente o Content-Length, sobrepondo o
// cálculo automático a partir do prepare buffer.
func (r *Response) SetContentLength(n int64) {
	r.contentLength = n
	r.contentLengthSet = true
}

// EnableContentLength liga/desliga a emissão automática do cabeçalho
// Content-Length em Respond.
func (r *Response) EnableContentLength(enabled bool) { r.contentLengthEnabled = enabled }

// WriteData anexa bytes ao prepare buffer; ainda não comitados no
// OutputStream até Respond ser chamado.
func (r *Response) WriteData(p []byte) {
	r.prepare.Append(p)
}

// WriteFile anexa uma faixa de arquivo diretamente ao OutputStream da
// conexão como um sink de zero-copy. Espera-se que seja chamado depois de
// Respond, conforme o spec §4.12.
func (r *Response) WriteFile(f *os.File, offset, length int64) error {
	return r.conn.Output.AppendFile(f, offset, length)
}

// Respond emite a linha de status, os cabeçalhos, o Content-Length
// automático (se habilitado), a linha em branco, e então comita o prepare
// buffer como um sink de Buffer copiado no OutputStream.
func (r *Response) Respond(status Status) {
	var head strings.Builder
	reason := status.Reason
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status.Code, reason)

	for _, h := range r.headers {
		fmt.Fprintf(&head, "%s: %s\r\n", h.Key, h.Value)
	}

	if r.contentLengthEnabled {
		n := r.contentLength
		if !r.contentLengthSet {
			n = r.prepare.Size()
		}
		fmt.Fprintf(&head, "Content-Length: %d\r\n", n)
	}
	head.WriteString("\r\n")

	r.conn.Output.AppendData([]byte(head.String()))
	r.conn.Output.AppendBuffer(r.prepare)
	r.responded = true
}

// Finish é o ponto explícito (em lugar de um destrutor) onde o HandlerStage
// decide se a conexão precisa ser entregue ao WriteBackStage para
// continuar drenando de forma assíncrona. Retorna true quando a conexão foi
// enfileirada e o chamador deve reter o lock (rc negativo do spec §4.12),
// false quando a resposta já está totalmente no OutputStream (ou nunca foi
// produzida) e o chamador segue seu fluxo normal.
func (r *Response) Finish() bool {
	if r.responded && !r.conn.Output.IsDone() {
		r.writeBack.Enqueue(r.conn)
		return true
	}
	return false
}
