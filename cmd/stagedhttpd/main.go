// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nishisan-dev/stagedhttp/internal/config"
	"github.com/nishisan-dev/stagedhttp/internal/logging"
	"github.com/nishisan-dev/stagedhttp/internal/server"
)

func main() {
	configPath := flag.String("c", "", "path to server config file (required)")
	modulePath := flag.String("m", "", "directory to load dynamic handler modules from")
	uid := flag.String("u", "", "setuid to this user id before starting")
	flag.Usage = usage
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -c <config_file> is required")
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Getenv("LOG_FILE"))
	defer closer.Close()

	if *modulePath != "" {
		if err := server.LoadDynamicModules(*modulePath, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading handler modules: %v\n", err)
			os.Exit(1)
		}
	}

	if *uid != "" {
		if err := setuid(*uid); err != nil {
			fmt.Fprintf(os.Stderr, "Error dropping privileges: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setuid faz parse de s como um uid numérico e troca o uid efetivo do
// processo (spec §6, "-u <uid>" — tipicamente usado para abrir uma porta
// privilegiada como root e então ceder privilégios).
func setuid(s string) error {
	uid, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", s, err)
	}
	return syscall.Setuid(uid)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -c <config_file> [-m <module_path>] [-u <uid>]\n\n", os.Args[0])
	flag.PrintDefaults()
}
