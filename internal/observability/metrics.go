// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability expõe as métricas operacionais do servidor via
// Prometheus (prometheus/client_golang + promhttp) e um snapshot periódico
// de recursos do host via gopsutil.
package observability

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics agrupa os contadores/gauges Prometheus que o servidor atualiza ao
// longo do ciclo de vida de uma conexão e de uma requisição.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsIdleOut  prometheus.Counter
	ConnectionsRejected prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	BytesWrittenTotal   prometheus.Counter

	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	loadAverage1  prometheus.Gauge
}

// New cria um Registry Prometheus isolado (não o DefaultRegisterer global,
// para que testes possam instanciar mais de um Metrics sem colidir nomes de
// série) e registra todas as métricas do servidor nele.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedhttp_connections_accepted_total",
			Help: "Total TCP connections accepted by the server.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagedhttp_connections_active",
			Help: "Current number of open connections.",
		}),
		ConnectionsIdleOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedhttp_connections_idle_closed_total",
			Help: "Total connections closed by the idle scanner for exceeding the idle timeout.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedhttp_connections_rejected_total",
			Help: "Total connections rejected by the admission throttle before entering the pipeline.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagedhttp_requests_total",
			Help: "Total HTTP requests handled, by response status class.",
		}, []string{"status_class"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagedhttp_request_duration_seconds",
			Help:    "Request handling latency from parse-complete to response-enqueued.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status_class"}),
		BytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedhttp_bytes_written_total",
			Help: "Total response bytes written to sockets (includes sendfile'd bytes).",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagedhttp_host_cpu_percent",
			Help: "Most recently sampled host CPU utilization percentage.",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagedhttp_host_memory_percent",
			Help: "Most recently sampled host memory utilization percentage.",
		}),
		loadAverage1: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagedhttp_host_load1",
			Help: "Most recently sampled 1-minute host load average.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted, m.ConnectionsActive, m.ConnectionsIdleOut, m.ConnectionsRejected,
		m.RequestsTotal, m.RequestDuration, m.BytesWrittenTotal,
		m.cpuPercent, m.memoryPercent, m.loadAverage1,
	)
	return m
}

// Handler devolve o http.Handler que serve /metrics no formato de exposição
// Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusClass normaliza um código de status HTTP em "2xx"/"4xx"/"5xx" etc.,
// para manter a cardinalidade de RequestsTotal/RequestDuration limitada.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// counterValue lê o total corrente de um prometheus.Counter pela mesma
// rota dto.Metric usada por gaugeValue em health.go, sem manter um contador
// paralelo fora do registry.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Snapshot lê os totais correntes dos contadores principais — usado pelo job
// de relatório de estatísticas de internal/maintenance, que não deve
// depender da API de scraping de um coletor Prometheus para montar seu
// próprio log periódico.
func (m *Metrics) Snapshot() (accepted uint64, active int64, requests uint64) {
	accepted = uint64(counterValue(m.ConnectionsAccepted))
	active = int64(gaugeValueOrZero(m.ConnectionsActive))

	var total float64
	ch := make(chan prometheus.Metric, 16)
	go func() {
		m.RequestsTotal.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		var dm dto.Metric
		if err := metric.Write(&dm); err == nil {
			total += dm.GetCounter().GetValue()
		}
	}
	requests = uint64(total)
	return
}

func gaugeValueOrZero(g prometheus.Gauge) float64 {
	v, err := gaugeValue(g)
	if err != nil {
		return 0
	}
	return v
}

// HostSampler amostra periodicamente CPU/memória/load average do host via
// gopsutil e publica os valores nos gauges correspondentes de Metrics —
// grounded no SystemMonitor do agente de backup (internal/agent/monitor.go
// no teacher), mesma cadência de ticker e mesma política de "log e segue"
// em caso de erro de coleta (nunca derruba o servidor por um gopsutil
// indisponível).
type HostSampler struct {
	metrics *Metrics
	logger  *slog.Logger

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewHostSampler cria um HostSampler que amostra a cada interval (60s se
// interval <= 0).
func NewHostSampler(metrics *Metrics, logger *slog.Logger, interval time.Duration) *HostSampler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &HostSampler{metrics: metrics, logger: logger, interval: interval, stop: make(chan struct{})}
}

// Start inicia a coleta periódica em uma goroutine de fundo.
func (s *HostSampler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop encerra a goroutine de coleta e aguarda sua saída.
func (s *HostSampler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *HostSampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.collect()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *HostSampler) collect() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.metrics.cpuPercent.Set(pct[0])
	} else {
		s.logger.Debug("observability: failed to sample cpu", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.metrics.memoryPercent.Set(v.UsedPercent)
	} else {
		s.logger.Debug("observability: failed to sample memory", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.metrics.loadAverage1.Set(l.Load1)
	} else {
		s.logger.Debug("observability: failed to sample load average", "error", err)
	}
}
