// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package vhost resolve o Host e o path de uma requisição contra a árvore
// de configuração de virtual hosts e regras de URL (config §6: blocos
// "host" com "url-rules" do tipo prefix ou regex).
package vhost

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleType distingue os dois formatos de regra aceitos pelo §6.
type RuleType int

const (
	RulePrefix RuleType = iota
	RuleRegex
)

// RuleSpec é a forma bruta, como lida do YAML, de uma entrada de url-rules.
type RuleSpec struct {
	Type   string   `yaml:"type"`
	Prefix string   `yaml:"prefix"`
	Regex  string   `yaml:"regex"`
	Chain  []string `yaml:"chain"`
}

// HostSpec é a forma bruta de um bloco "host" do YAML.
type HostSpec struct {
	Domain   string     `yaml:"domain"`
	URLRules []RuleSpec `yaml:"url-rules"`
}

// URLRule é uma regra de URL compilada e pronta para casamento. É o tipo
// concreto para o qual http.Request.Rule aponta depois que o ParserStage
// resolve a requisição contra o Config (spec §6).
type URLRule struct {
	Type   RuleType
	Prefix string
	Regex  *regexp.Regexp
	Chain  []string
}

// Match reporta se uri casa com a regra e devolve o path a usar no chain de
// handlers — para prefix rules isto é o restante depois do prefixo
// (rewrite), sempre começando com "/", para regex rules isto é o uri original.
func (r *URLRule) Match(uri string) (rewritten string, ok bool) {
	switch r.Type {
	case RulePrefix:
		if strings.HasPrefix(uri, r.Prefix) {
			rewritten := strings.TrimPrefix(uri, r.Prefix)
			if !strings.HasPrefix(rewritten, "/") {
				rewritten = "/" + rewritten
			}
			return rewritten, true
		}
		return "", false
	case RuleRegex:
		if r.Regex.MatchString(uri) {
			return uri, true
		}
		return "", false
	default:
		return "", false
	}
}

// Host agrupa as regras de URL compiladas de um domínio.
type Host struct {
	Domain string
	Rules  []*URLRule
}

// Match varre as regras do host em ordem e devolve a primeira que casar.
func (h *Host) Match(uri string) (*URLRule, string, bool) {
	for _, r := range h.Rules {
		if rewritten, ok := r.Match(uri); ok {
			return r, rewritten, true
		}
	}
	return nil, "", false
}

// Config é a árvore de virtual hosts compilada a partir do YAML, indexada
// por domínio para casamento O(1) contra o cabeçalho Host.
type Config struct {
	hosts map[string]*Host
}

// Compile compila specs em um Config pronto para uso, validando cada regex
// e exigindo que toda regra tenha pelo menos um handler em chain.
func Compile(specs []HostSpec) (*Config, error) {
	c := &Config{hosts: make(map[string]*Host, len(specs))}
	for _, hs := range specs {
		if hs.Domain == "" {
			return nil, fmt.Errorf("vhost: host block missing domain")
		}
		host := &Host{Domain: hs.Domain}
		for i, rs := range hs.URLRules {
			rule, err := compileRule(rs)
			if err != nil {
				return nil, fmt.Errorf("vhost: host %q rule %d: %w", hs.Domain, i, err)
			}
			host.Rules = append(host.Rules, rule)
		}
		c.hosts[hs.Domain] = host
	}
	return c, nil
}

func compileRule(rs RuleSpec) (*URLRule, error) {
	if len(rs.Chain) == 0 {
		return nil, fmt.Errorf("rule must name at least one handler in chain")
	}
	switch rs.Type {
	case "prefix":
		if rs.Prefix == "" {
			return nil, fmt.Errorf("prefix rule requires a non-empty prefix")
		}
		return &URLRule{Type: RulePrefix, Prefix: rs.Prefix, Chain: rs.Chain}, nil
	case "regex":
		if rs.Regex == "" {
			return nil, fmt.Errorf("regex rule requires a non-empty regex")
		}
		re, err := regexp.Compile(rs.Regex)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", rs.Regex, err)
		}
		return &URLRule{Type: RuleRegex, Regex: re, Chain: rs.Chain}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q (expected prefix or regex)", rs.Type)
	}
}

// Resolve casa host (do cabeçalho Host, sem a porta) e uri contra a árvore
// compilada, devolvendo a regra casada e o path reescrito.
func (c *Config) Resolve(host, uri string) (*URLRule, string, bool) {
	if colon := strings.IndexByte(host, ':'); colon >= 0 {
		host = host[:colon]
	}
	h, ok := c.hosts[host]
	if !ok {
		return nil, "", false
	}
	return h.Match(uri)
}

// HostCount reporta quantos domínios a árvore compilada conhece — usado por
// internal/maintenance para logar o resultado de uma recarga de config.
func (c *Config) HostCount() int { return len(c.hosts) }
