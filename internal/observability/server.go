// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Serve inicia um http.Server dedicado em addr expondo "/metrics" (formato
// de exposição Prometheus) e "/healthz" (snapshot de liveness/recursos do
// host em JSON), bloqueando até ctx ser cancelado — mesmo padrão de
// servidor HTTP auxiliar, desligado junto do servidor principal via
// context, que o teacher usava para seu WebUIConfig.
func Serve(ctx context.Context, addr string, metrics *Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler(time.Now()))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability: error shutting down metrics/health server", "error", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
