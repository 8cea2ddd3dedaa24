// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package admission implementa o throttle de aceitação de conexões do
// accept loop, usando golang.org/x/time/rate como o restante da família de
// binários do projeto já faz para throttle de I/O — aqui aplicado, porém,
// como um token bucket de admissão (Allow, não-bloqueante) em vez de um
// io.Writer bloqueante, já que o accept loop nunca pode travar esperando
// tokens sem deixar de atender o poller e o encerramento gracioso.
package admission

import "golang.org/x/time/rate"

// Limiter decide, para cada conexão recém-aceita, se ela deve entrar na
// Pipeline imediatamente ou ser rejeitada por excesso de taxa.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter cria um Limiter que admite até ratePerSec conexões novas por
// segundo, com até burst delas de uma vez. ratePerSec <= 0 devolve nil — um
// Limiter nil sempre admite (Allow nunca rejeita), preservando o
// comportamento padrão de não ter limite algum.
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reporta se uma nova conexão pode ser admitida agora. Não bloqueia:
// consome um token do bucket se houver um disponível, ou rejeita
// imediatamente — o accept loop precisa continuar respondendo ao poller e a
// ctx.Done() mesmo sob excesso de taxa de conexões.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
