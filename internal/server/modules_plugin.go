// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux || darwin

package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"

	"github.com/nishisan-dev/stagedhttp/internal/handler"
)

// pluginFactorySymbol é o nome do símbolo exportado que cada módulo
// dinâmico (spec §6, "-m <module_path>") deve expor: uma variável do tipo
// handler.Factory.
const pluginFactorySymbol = "Factory"

// LoadDynamicModules varre dir por arquivos "*.so", carrega cada um como um
// plugin Go e registra o símbolo Factory exportado em builtinFactories sob o
// nome do módulo que a própria Factory reporta (ModuleName()). Nenhum dep
// externo cobre carregamento dinâmico de módulos Go; plugin é a única via
// (Linux/Darwin apenas — ver modules_unsupported.go para as demais
// plataformas).
func LoadDynamicModules(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading module directory %q: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".so" {
			continue
		}
		path := filepath.Join(dir, e.Name())

		p, err := plugin.Open(path)
		if err != nil {
			return fmt.Errorf("opening module %q: %w", path, err)
		}
		sym, err := p.Lookup(pluginFactorySymbol)
		if err != nil {
			return fmt.Errorf("module %q: missing %q symbol: %w", path, pluginFactorySymbol, err)
		}
		factory, ok := sym.(handler.Factory)
		if !ok {
			factory, ok = derefFactory(sym)
			if !ok {
				return fmt.Errorf("module %q: %q symbol does not implement handler.Factory", path, pluginFactorySymbol)
			}
		}

		builtinFactories[factory.ModuleName()] = factory
		logger.Info("dynamic handler module loaded", "path", path, "module", factory.ModuleName(), "vendor", factory.VendorName())
	}
	return nil
}

// derefFactory trata o caso comum de o plugin exportar "var Factory = &impl{}"
// (um ponteiro para o símbolo), já que plugin.Lookup devolve a interface
// concreta por valor da variável exportada.
func derefFactory(sym plugin.Symbol) (handler.Factory, bool) {
	if ptr, ok := sym.(*handler.Factory); ok {
		return *ptr, true
	}
	return nil, false
}
