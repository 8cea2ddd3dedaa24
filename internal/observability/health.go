// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// healthStatus é o corpo JSON servido por /healthz.
type healthStatus struct {
	Status       string  `json:"status"`
	UptimeSecs   float64 `json:"uptime_seconds"`
	Goroutines   int     `json:"goroutines"`
	PID          int     `json:"pid"`
	CPUPercent   float64 `json:"host_cpu_percent"`
	MemoryUsed   float64 `json:"host_memory_percent"`
	LoadAverage1 float64 `json:"host_load1"`
}

// HealthHandler devolve um http.Handler que reporta liveness básica do
// processo (uptime, contagem de goroutines) mais o último snapshot de
// recursos do host coletado por HostSampler, servido em JSON — a mesma
// forma de "painel mínimo de saúde" que o WebUIConfig do teacher expunha
// para a família de binários de backup, adaptado de um dashboard completo
// para um único endpoint JSON consumível por um health check de
// orquestrador.
func (m *Metrics) HealthHandler(startedAt time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:     "ok",
			UptimeSecs: time.Since(startedAt).Seconds(),
			Goroutines: runtime.NumGoroutine(),
			PID:        os.Getpid(),
		}

		if g, err := gaugeValue(m.cpuPercent); err == nil {
			status.CPUPercent = g
		}
		if g, err := gaugeValue(m.memoryPercent); err == nil {
			status.MemoryUsed = g
		}
		if g, err := gaugeValue(m.loadAverage1); err == nil {
			status.LoadAverage1 = g
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
}

// gaugeWriter é satisfeito por prometheus.Gauge: exportar o valor atual via
// sua representação dto.Metric evita manter uma cópia paralela do valor
// fora do registry.
type gaugeWriter interface {
	Write(*dto.Metric) error
}

func gaugeValue(g gaugeWriter) (float64, error) {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0, err
	}
	return m.GetGauge().GetValue(), nil
}
