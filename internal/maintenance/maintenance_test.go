// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package maintenance

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/stagedhttp/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const everySecond = "@every 1s"

func writeTestConfig(t *testing.T, dir string, handlerRoot string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := `
address: "127.0.0.1"
port: 8080
handlers:
  - name: static
    module: staticfile
    root: ` + handlerRoot + `
host:
  - domain: localhost
    url-rules:
      - type: prefix
        prefix: "/"
        chain: ["static"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestScheduler_StatsReportFiresAndSkipsOverlap(t *testing.T) {
	s := New(testLogger())

	var fired int64
	err := s.AddStatsReport(everySecond,
		func() StatsSnapshot { return StatsSnapshot{ConnectionsAccepted: 7} },
		func(snap StatsSnapshot) {
			if snap.ConnectionsAccepted != 7 {
				t.Errorf("expected snapshot to round-trip through collect/report, got %+v", snap)
			}
			atomic.AddInt64(&fired, 1)
		})
	if err != nil {
		t.Fatalf("AddStatsReport: %v", err)
	}

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt64(&fired) == 0 {
		select {
		case <-deadline:
			t.Fatal("stats report job never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestScheduler_VHostReloadInstallsNewConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, dir)

	s := New(testLogger())

	var installed atomic.Pointer[config.Config]
	err := s.AddVHostReload(everySecond, configPath, func(reloaded *config.Config) {
		installed.Store(reloaded)
	})
	if err != nil {
		t.Fatalf("AddVHostReload: %v", err)
	}

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for installed.Load() == nil {
		select {
		case <-deadline:
			t.Fatal("vhost reload job never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}

	reloaded := installed.Load()
	if reloaded.VHosts == nil || reloaded.VHosts.HostCount() != 1 {
		t.Fatalf("expected reloaded config to carry one compiled vhost, got %+v", reloaded.VHosts)
	}
}

func TestScheduler_VHostReloadSurvivesMissingFile(t *testing.T) {
	s := New(testLogger())

	err := s.AddVHostReload(everySecond, "/nonexistent/path.yaml", func(reloaded *config.Config) {
		t.Fatal("install must not be called when reload fails")
	})
	if err != nil {
		t.Fatalf("AddVHostReload: %v", err)
	}

	s.Start()
	time.Sleep(1200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}
