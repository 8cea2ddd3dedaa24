// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida o arquivo YAML de configuração do
// servidor (spec §6): endereço de escuta, tamanho das pools de workers de
// cada Stage, blocos de VHost e seus handlers.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nishisan-dev/stagedhttp/internal/vhost"
	"gopkg.in/yaml.v3"
)

// HandlerSpec é uma entrada da lista "handlers:" do YAML: o nome pelo qual
// o handler é referenciado em um chain de URLRule, o módulo que o
// implementa, e um mapa livre de opções repassado a Handler.LoadParam.
type HandlerSpec struct {
	Name    string            `yaml:"name"`
	Module  string            `yaml:"module"`
	Options map[string]string `yaml:",inline"`
}

// Config é a configuração completa do servidor.
type Config struct {
	Address string              `yaml:"address"`
	Port    int                 `yaml:"port"`
	Handlers []HandlerSpec      `yaml:"handlers"`
	Hosts   []vhost.HostSpec    `yaml:"host"`

	ReadStagePoolSize    int `yaml:"read_stage_pool_size"`
	WriteStagePoolSize   int `yaml:"write_stage_pool_size"`
	RecycleThreshold     int `yaml:"recycle_threshold"`
	HandlerStagePoolSize int `yaml:"handler_stage_pool_size"`
	ListenQueueSize      int `yaml:"listen_queue_size"`
	IdleTimeout          int `yaml:"idle_timeout"` // segundos

	MaxBodySize    string `yaml:"max_body_size"` // ex: "64kb" (default: 64kb)
	MaxBodySizeRaw int64  `yaml:"-"`

	Logging LoggingInfo `yaml:"logging"`

	// ObservabilityAddr, se não vazio, liga um http.Server auxiliar neste
	// endereço expondo "/metrics" e "/healthz" (internal/observability).
	// Vazio desativa o endpoint inteiramente.
	ObservabilityAddr string `yaml:"observability_address"`

	// StatsReportSchedule é a expressão cron (formato robfig/cron/v3, com
	// campo de segundos) em que internal/maintenance loga um snapshot de
	// estatísticas agregadas. Vazio desativa o job.
	StatsReportSchedule string `yaml:"stats_report_schedule"`

	// VHostReloadSchedule é a expressão cron em que internal/maintenance
	// relê ConfigPath do disco e recompila a árvore de VHosts em uso sem
	// derrubar o servidor. Vazio desativa o job.
	VHostReloadSchedule string `yaml:"vhost_reload_schedule"`

	// ConfigPath é o caminho do próprio arquivo YAML carregado, preenchido
	// por Load (não vem do YAML) — necessário para que o job de
	// vhost-reload saiba o que reler.
	ConfigPath string `yaml:"-"`

	// VHosts é compilado em validate() a partir de Hosts; não vem do YAML.
	VHosts *vhost.Config `yaml:"-"`

	// AcceptRatePerSec limita quantas conexões novas por segundo o accept
	// loop admite na Pipeline (internal/admission); <= 0 desativa o
	// throttle inteiramente (comportamento atual, sem limite).
	AcceptRatePerSec float64 `yaml:"accept_rate_per_sec"`

	// AcceptBurst é o tamanho do burst do limiter de admissão — quantas
	// conexões podem chegar de uma vez antes do throttle entrar em vigor.
	// Default: mesmo valor de AcceptRatePerSec (um segundo de burst).
	AcceptBurst int `yaml:"accept_burst"`
}

// LoggingInfo contém configurações de logging, no mesmo formato usado em
// toda a família de binários do projeto.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Listen monta o endereço "host:port" para net.Listen.
func (c *Config) Listen() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Load lê e valida o arquivo YAML de configuração do servidor, compilando a
// árvore de VHosts em seguida (spec §7 — erro de configuração encerra o
// processo com uma mensagem, nunca propaga como erro em tempo de conexão).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg.ConfigPath = path

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Address == "" {
		c.Address = "0.0.0.0"
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if len(c.Handlers) == 0 {
		return fmt.Errorf("handlers must have at least one entry")
	}
	for i, h := range c.Handlers {
		if h.Name == "" {
			return fmt.Errorf("handlers[%d].name is required", i)
		}
		if h.Module == "" {
			return fmt.Errorf("handlers[%d].module is required", i)
		}
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("host must have at least one vhost block")
	}
	for i, h := range c.Hosts {
		if strings.TrimSpace(h.Domain) == "" {
			return fmt.Errorf("host[%d].domain is required", i)
		}
		if len(h.URLRules) == 0 {
			return fmt.Errorf("host[%d] (%s) must have at least one url-rule", i, h.Domain)
		}
	}

	if c.ReadStagePoolSize <= 0 {
		c.ReadStagePoolSize = 4
	}
	if c.WriteStagePoolSize <= 0 {
		c.WriteStagePoolSize = 4
	}
	if c.HandlerStagePoolSize <= 0 {
		c.HandlerStagePoolSize = 8
	}
	if c.RecycleThreshold <= 0 {
		c.RecycleThreshold = 32
	}
	if c.ListenQueueSize <= 0 {
		c.ListenQueueSize = 1024
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60
	}

	if c.MaxBodySize == "" {
		c.MaxBodySize = "64kb"
	}
	parsed, err := ParseByteSize(c.MaxBodySize)
	if err != nil {
		return fmt.Errorf("max_body_size: %w", err)
	}
	c.MaxBodySizeRaw = parsed

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	vc, err := vhost.Compile(c.Hosts)
	if err != nil {
		return fmt.Errorf("compiling vhost config: %w", err)
	}
	c.VHosts = vc

	if c.AcceptRatePerSec > 0 && c.AcceptBurst <= 0 {
		c.AcceptBurst = int(c.AcceptRatePerSec)
		if c.AcceptBurst <= 0 {
			c.AcceptBurst = 1
		}
	}

	return nil
}
