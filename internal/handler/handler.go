// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package handler define a ABI de handlers pluggable (spec §6): cada handler
// expõe HandleRequest/LoadParam, e uma Factory associada expõe Create,
// ModuleName e VendorName. HandlerStage resolve o chain configurado por
// VHost/URLRule contra um Registry global povoado na inicialização.
package handler

import (
	"fmt"
	"sync"

	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
)

// Handler processa uma requisição já roteada por uma regra de URL. Retorna
// true se respondeu (o chain para aqui); false passa a requisição ao
// próximo handler do chain.
type Handler interface {
	HandleRequest(req *stagedhttp.Request, resp *stagedhttp.Response) bool
	LoadParam(options map[string]string) error
}

// Factory cria instâncias de Handler e se identifica para o log de
// inicialização e para diagnóstico de operadores.
type Factory interface {
	Create() Handler
	ModuleName() string
	VendorName() string
}

// Registry associa nomes de handler (conforme configurados em "handlers:" e
// referenciados pelo "chain:" de uma URLRule) às suas Factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry cria um Registry vazio.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associa name à factory f. Sobrescreve qualquer registro anterior
// com o mesmo nome.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Create instancia um novo Handler nomeado via sua Factory registrada.
func (r *Registry) Create(name string) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler: no factory registered for %q", name)
	}
	return f.Create(), nil
}

// Names retorna os nomes atualmente registrados, em nenhuma ordem particular.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Chain é uma sequência resolvida e pronta-para-uso de Handlers, na ordem em
// que devem ser tentados contra uma requisição.
type Chain []Handler

// Resolve instancia um Handler para cada nome em names, na ordem dada,
// falhando no primeiro nome desconhecido.
func (r *Registry) Resolve(names []string) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		h, err := r.Create(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, h)
	}
	return chain, nil
}

// Run executa o chain em ordem até um handler responder ou o chain se
// esgotar. Retorna true se algum handler respondeu.
func (c Chain) Run(req *stagedhttp.Request, resp *stagedhttp.Response) bool {
	for _, h := range c {
		if h.HandleRequest(req, resp) {
			return true
		}
	}
	return false
}
