// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build !linux && !darwin

package server

import (
	"fmt"
	"log/slog"
)

// LoadDynamicModules não é suportado fora de Linux/Darwin: o pacote plugin
// da standard library não está disponível nessas plataformas.
func LoadDynamicModules(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	return fmt.Errorf("dynamic handler module loading (-m) is not supported on this platform")
}
