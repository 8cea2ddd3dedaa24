// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package poller

// hooks é incorporado pelas implementações de plataforma para compartilhar a
// lógica de registro/execução de pre/post handlers.
type hooks struct {
	pre  []func()
	post []func()
}

func (h *hooks) PreHandler(fn func())  { h.pre = append(h.pre, fn) }
func (h *hooks) PostHandler(fn func()) { h.post = append(h.post, fn) }

func (h *hooks) runPre() {
	for _, fn := range h.pre {
		fn()
	}
}

func (h *hooks) runPost() {
	for _, fn := range h.post {
		fn()
	}
}
