// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package http

import "github.com/nishisan-dev/stagedhttp/internal/buffer"

// Method é um dos métodos HTTP reconhecidos pelo §6.
type Method int

const (
	MethodUnknown Method = iota
	MethodCOPY
	MethodDELETE
	MethodGET
	MethodHEAD
	MethodLOCK
	MethodMKCOL
	MethodMOVE
	MethodOPTIONS
	MethodPOST
	MethodPROPFIND
	MethodPROPPATCH
	MethodPUT
	MethodTRACE
	MethodUNLOCK
)

var methodNames = map[string]Method{
	"COPY":      MethodCOPY,
	"DELETE":    MethodDELETE,
	"GET":       MethodGET,
	"HEAD":      MethodHEAD,
	"LOCK":      MethodLOCK,
	"MKCOL":     MethodMKCOL,
	"MOVE":      MethodMOVE,
	"OPTIONS":   MethodOPTIONS,
	"POST":      MethodPOST,
	"PROPFIND":  MethodPROPFIND,
	"PROPPATCH": MethodPROPPATCH,
	"PUT":       MethodPUT,
	"TRACE":     MethodTRACE,
	"UNLOCK":    MethodUNLOCK,
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}
	return "UNKNOWN"
}

func parseMethod(s string) Method {
	if m, ok := methodNames[s]; ok {
		return m
	}
	return MethodUnknown
}

// URLRule é o ponteiro não-proprietário para a regra de VHost casada contra
// o Host/URI da requisição. internal/vhost define o tipo concreto;
// manter isto como interface{} aqui evita um import cycle entre http e
// vhost (vhost referencia de volta tipos de requisição para o matcher).
type URLRule = interface{}

// Request é o registro de uma requisição completamente parseada (linha de
// requisição + cabeçalhos). O corpo, quando presente, é consumido
// diretamente do Buffer de entrada da conexão pelo handler — Request não
// possui uma cópia própria do corpo além do que já foi bufferizado.
type Request struct {
	Method   Method
	RawURI   string
	Path     string
	Query    string
	Fragment string

	VersionMajor int
	VersionMinor int

	Headers Headers

	ContentLength int64 // -1 quando desconhecido (ex.: chunked sem framing resolvido ainda)
	Chunked       bool
	KeepAlive     bool

	// Body recebe o corpo inteiro de uma só vez quando Content-Length está
	// entre 1 byte e 64 KiB, a requisição não é chunked e o corpo já está todo
	// no Buffer de entrada; nos demais casos fica nil e os bytes do corpo
	// permanecem no Input da conexão (spec §4.9 — readiness rule).
	Body *buffer.Buffer

	// Rule é a regra de VHost casada pelo ParserStage contra o cabeçalho
	// Host; nil se nenhuma regra casou (tratado como 503 pelo HandlerStage).
	Rule URLRule
}

// Host retorna o valor do cabeçalho Host, se presente.
func (r *Request) Host() (string, bool) {
	return r.Headers.Get("Host")
}

// HTTP10 reporta se a requisição foi feita em HTTP/1.0.
func (r *Request) HTTP10() bool {
	return r.VersionMajor == 1 && r.VersionMinor == 0
}
