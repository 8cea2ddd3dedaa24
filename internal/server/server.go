// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server monta a Pipeline SEDA completa a partir de um
// *config.Config já validado — os cinco Stages, o Poller da plataforma, o
// Registry de handlers — e expõe o loop de aceitação de conexões TCP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/stagedhttp/internal/admission"
	"github.com/nishisan-dev/stagedhttp/internal/config"
	"github.com/nishisan-dev/stagedhttp/internal/handler"
	"github.com/nishisan-dev/stagedhttp/internal/handlers/compress"
	"github.com/nishisan-dev/stagedhttp/internal/handlers/s3static"
	"github.com/nishisan-dev/stagedhttp/internal/handlers/staticfile"
	"github.com/nishisan-dev/stagedhttp/internal/maintenance"
	"github.com/nishisan-dev/stagedhttp/internal/observability"
	"github.com/nishisan-dev/stagedhttp/internal/pipeline"
	"github.com/nishisan-dev/stagedhttp/internal/poller"
	"github.com/nishisan-dev/stagedhttp/internal/stages"
)

// recycleMetricsAdapter satisfaz stages.ConnectionRecycledNotifier,
// mantendo o gauge de conexões ativas de observability.Metrics em sincronia
// com o fechamento real de sockets pelo RecycleStage.
type recycleMetricsAdapter struct{ metrics *observability.Metrics }

func (a recycleMetricsAdapter) ConnectionRecycled() { a.metrics.ConnectionsActive.Dec() }

// builtinFactories associa o nome de módulo referenciado em "handlers:" no
// YAML à Factory que o implementa. Novos módulos (ex.: s3static) se somam
// aqui conforme são escritos.
var builtinFactories = map[string]handler.Factory{
	"staticfile": staticfile.Factory{},
	"compress":   compress.Factory{},
	"s3static":   s3static.Factory{},
}

// configuredFactory adapta uma Factory de módulo + as opções de uma entrada
// "handlers:" específica em uma Factory pronta para o Registry: cada
// instância criada já recebe LoadParam(options) antes de ser devolvida.
type configuredFactory struct {
	inner   handler.Factory
	options map[string]string
}

func (f configuredFactory) Create() handler.Handler {
	h := f.inner.Create()
	_ = h.LoadParam(f.options) // já validado em buildRegistry na inicialização
	return h
}

func (f configuredFactory) ModuleName() string { return f.inner.ModuleName() }
func (f configuredFactory) VendorName() string { return f.inner.VendorName() }

// buildRegistry resolve cada entrada "handlers:" do config contra
// builtinFactories, valida suas opções instanciando e chamando LoadParam uma
// vez (falha rápido na inicialização em vez de na primeira requisição), e
// registra a Factory configurada sob o nome dado.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*handler.Registry, error) {
	reg := handler.NewRegistry()
	for _, hs := range cfg.Handlers {
		factory, ok := builtinFactories[hs.Module]
		if !ok {
			return nil, fmt.Errorf("unknown handler module %q (handler %q)", hs.Module, hs.Name)
		}

		probe := factory.Create()
		if err := probe.LoadParam(hs.Options); err != nil {
			return nil, fmt.Errorf("configuring handler %q (module %q): %w", hs.Name, hs.Module, err)
		}

		reg.Register(hs.Name, configuredFactory{inner: factory, options: hs.Options})
		logger.Info("handler configured", "name", hs.Name, "module", hs.Module, "vendor", factory.VendorName())
	}
	return reg, nil
}

// pollTimeoutMs é o timeout passado a cada chamada de Poller.Run: curto o
// bastante para que RunPoller observe o cancelamento do context sem
// depender de haver eventos pendentes.
const pollTimeoutMs = 1000

// Run resolve o endereço de escuta de cfg, abre o listener TCP e bloqueia em
// RunWithListener até ctx ser cancelado.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Listen())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen(), err)
	}
	defer ln.Close()

	logger.Info("server listening", "address", cfg.Listen())
	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener monta a Pipeline inteira sobre ln (já escutando — útil
// para testes que precisam de uma porta efêmera conhecida antecipadamente)
// e bloqueia até ctx ser cancelado, desligando graciosamente em seguida.
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("building handler registry: %w", err)
	}

	pr, err := poller.New()
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}

	pl := pipeline.New(nil)

	metrics := observability.New()
	sampler := observability.NewHostSampler(metrics, logger, 0)
	sampler.Start()
	defer sampler.Stop()

	if cfg.ObservabilityAddr != "" {
		go func() {
			if err := observability.Serve(ctx, cfg.ObservabilityAddr, metrics, logger); err != nil {
				logger.Error("observability server exited", "error", err)
			}
		}()
	}

	recycle := stages.NewRecycleStage(pl, pr, cfg.RecycleThreshold, logger)
	recycle.SetMetrics(recycleMetricsAdapter{metrics: metrics})
	writeback := stages.NewWriteBackStage(recycle, logger)
	handlerStage := stages.NewHandlerStage(writeback, registry, logger)
	parser := stages.NewParserStage(handlerStage, recycle, cfg.VHosts, logger)
	pollin := stages.NewPollInStage(pr, parser, recycle, int64(cfg.IdleTimeout), logger)

	pl.RegisterStage(pollin.Stage())
	pl.RegisterStage(parser.Stage())
	pl.RegisterStage(handlerStage.Stage())
	pl.RegisterStage(writeback.Stage())
	pl.RegisterStage(recycle.Stage())

	admissionLimiter := admission.NewLimiter(cfg.AcceptRatePerSec, cfg.AcceptBurst)

	maint := maintenance.New(logger)
	if cfg.StatsReportSchedule != "" {
		err := maint.AddStatsReport(cfg.StatsReportSchedule,
			func() maintenance.StatsSnapshot {
				accepted, active, requests := metrics.Snapshot()
				return maintenance.StatsSnapshot{ConnectionsAccepted: accepted, ConnectionsActive: active, RequestsTotal: requests}
			},
			func(s maintenance.StatsSnapshot) {
				logger.Info("stats report", "connections_accepted", s.ConnectionsAccepted, "connections_active", s.ConnectionsActive, "requests_total", s.RequestsTotal)
			})
		if err != nil {
			return fmt.Errorf("scheduling stats report: %w", err)
		}
	}
	if cfg.VHostReloadSchedule != "" && cfg.ConfigPath != "" {
		err := maint.AddVHostReload(cfg.VHostReloadSchedule, cfg.ConfigPath, func(reloaded *config.Config) {
			parser.SetVHosts(reloaded.VHosts)
		})
		if err != nil {
			return fmt.Errorf("scheduling vhost reload: %w", err)
		}
	}
	maint.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		maint.Stop(stopCtx)
	}()

	pollin.Stage().Start(ctx, cfg.ReadStagePoolSize)
	parser.Stage().Start(ctx, cfg.ReadStagePoolSize)
	handlerStage.Stage().Start(ctx, cfg.HandlerStagePoolSize)
	writeback.Stage().Start(ctx, cfg.WriteStagePoolSize)
	recycle.Stage().Start(ctx, cfg.WriteStagePoolSize)

	go pollin.RunPoller(ctx, pollTimeoutMs)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("accept loop stopped, draining stages")
				pl.StopAllStages()
				recycle.Flush()
				_ = pr.Close()
				logger.Info("server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		if !admissionLimiter.Allow() {
			metrics.ConnectionsRejected.Inc()
			logger.Debug("connection rejected by admission throttle", "remote", nc.RemoteAddr())
			nc.Close()
			continue
		}
		if err := acceptConnection(pl, pollin, nc, metrics, logger); err != nil {
			logger.Error("accepting connection into pipeline", "error", err)
			nc.Close()
		}
	}
}

// acceptConnection extrai o fd real de nc, cria a Connection na Pipeline e a
// registra no PollInStage para receber notificações de leitura.
func acceptConnection(pl *pipeline.Pipeline, pollin *stages.PollInStage, nc net.Conn, metrics *observability.Metrics, logger *slog.Logger) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", nc)
	}
	file, err := tc.File()
	if err != nil {
		return fmt.Errorf("extracting fd: %w", err)
	}

	conn := pl.CreateConnection(int(file.Fd()), tc)
	conn.SetFDCloser(file)
	if err := pollin.Register(conn); err != nil {
		pl.DisposeConnection(conn)
		file.Close()
		return fmt.Errorf("registering with poller: %w", err)
	}
	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsActive.Inc()
	logger.Debug("connection accepted", "conn", conn.ID(), "remote", conn.RemoteAddr())
	return nil
}
