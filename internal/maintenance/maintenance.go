// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package maintenance agenda tarefas periódicas do servidor (relatório de
// estatísticas, recarga de VHosts) via expressões cron em vez de um mero
// time.Ticker — grounded no Scheduler de jobs de backup do teacher
// (internal/agent/scheduler.go), que monta um *cron.Cron com um guard
// running/mu por job para nunca sobrepor duas execuções do mesmo job.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/stagedhttp/internal/config"
)

// StatsSnapshot é o que StatsFunc devolve a cada disparo do job de
// relatório de estatísticas.
type StatsSnapshot struct {
	ConnectionsAccepted uint64
	ConnectionsActive   int64
	RequestsTotal       uint64
}

// job encapsula o guard de execução-única descrito no teacher: se o
// disparo anterior ainda está em andamento, o novo é pulado em vez de
// empilhado.
type job struct {
	name string
	mu   sync.Mutex
	busy bool
	run  func()
	log  *slog.Logger
}

func (j *job) fire() {
	j.mu.Lock()
	if j.busy {
		j.mu.Unlock()
		j.log.Warn("maintenance: disparo pulado, execução anterior ainda em andamento", "job", j.name)
		return
	}
	j.busy = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.busy = false
		j.mu.Unlock()
	}()

	j.run()
}

// Scheduler gerencia os jobs de manutenção periódica do servidor sobre um
// único *cron.Cron compartilhado.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*job
}

// New cria um Scheduler vazio, pronto para receber jobs via AddStatsReport
// e AddVHostReload antes de Start.
func New(logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	return &Scheduler{cron: c, logger: logger}
}

// AddStatsReport registra um job cron que, a cada disparo de schedule,
// coleta um StatsSnapshot via collect e o repassa a report (tipicamente
// logando-o em nível Info).
func (s *Scheduler) AddStatsReport(schedule string, collect func() StatsSnapshot, report func(StatsSnapshot)) error {
	j := &job{name: "stats-report", log: s.logger}
	j.run = func() {
		report(collect())
	}
	if _, err := s.cron.AddFunc(schedule, j.fire); err != nil {
		return fmt.Errorf("maintenance: scheduling stats-report %q: %w", schedule, err)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// AddVHostReload registra um job cron que recarrega o arquivo de config em
// configPath, recompila sua árvore de VHosts, e repassa o resultado a
// install — tipicamente (*stages.ParserStage).SetVHosts, que troca o
// ponteiro em uso atomicamente sem exigir que nenhum worker pare. Uma
// recarga malsucedida apenas loga o erro; a árvore de VHosts anterior
// permanece em uso.
func (s *Scheduler) AddVHostReload(schedule string, configPath string, install func(*config.Config)) error {
	j := &job{name: "vhost-reload", log: s.logger}
	j.run = func() {
		reloaded, err := config.Load(configPath)
		if err != nil {
			s.logger.Error("maintenance: recarga de config falhou, mantendo VHosts atuais", "error", err)
			return
		}
		install(reloaded)
		s.logger.Info("maintenance: VHosts recarregados", "hosts", reloaded.VHosts.HostCount())
	}
	if _, err := s.cron.AddFunc(schedule, j.fire); err != nil {
		return fmt.Errorf("maintenance: scheduling vhost-reload %q: %w", schedule, err)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start inicia o scheduler de manutenção.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance: scheduler iniciado", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda até ctx ser cancelado ou todos os jobs em
// andamento terminarem.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("maintenance: scheduler parado graciosamente")
	case <-ctx.Done():
		s.logger.Warn("maintenance: timeout aguardando parada do scheduler")
	}
}
