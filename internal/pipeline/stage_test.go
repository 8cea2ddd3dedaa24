// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(t *testing.T, p *Pipeline) *connection.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return p.CreateConnection(7, server)
}

func TestStage_ProcessTask_ReleasesLockOnNonNegativeReturn(t *testing.T) {
	p := New(nil)
	processed := make(chan *connection.Connection, 1)

	stage := NewStage("test", false, RunnerFunc(func(_ context.Context, c *connection.Connection) int {
		processed <- c
		return 0
	}), testLogger())
	p.RegisterStage(stage)
	stage.Start(context.Background(), 1)
	defer stage.Stop()

	conn := newTestConn(t, p)
	stage.Enqueue(conn)

	select {
	case got := <-processed:
		if got != conn {
			t.Fatalf("expected the enqueued connection to be processed")
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not process the enqueued connection")
	}

	if !conn.TryLock() {
		t.Fatalf("expected connection to be unlocked after rc >= 0")
	}
	conn.Unlock()
}

func TestStage_ProcessTask_RetainsLockOnNegativeReturn(t *testing.T) {
	p := New(nil)
	processed := make(chan struct{}, 1)

	stage := NewStage("writeback", true, RunnerFunc(func(_ context.Context, c *connection.Connection) int {
		defer close(processed)
		return -1
	}), testLogger())
	p.RegisterStage(stage)
	stage.Start(context.Background(), 1)
	defer stage.Stop()

	conn := newTestConn(t, p)
	conn.Lock() // simula que o runner já possui o lock ao processar

	stage.Enqueue(conn)

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatalf("worker did not process the enqueued connection")
	}

	time.Sleep(20 * time.Millisecond)
	if conn.TryLock() {
		conn.Unlock()
		t.Fatalf("expected connection to remain locked after rc < 0")
	}
	conn.Unlock()
}

func TestPipeline_CreateAndDisposeConnection(t *testing.T) {
	p := New(nil)
	conn := newTestConn(t, p)

	if p.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection after CreateConnection, got %d", p.ConnectionCount())
	}

	p.Lock()
	p.DisposeConnection(conn)
	p.Unlock()

	if p.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections after DisposeConnection, got %d", p.ConnectionCount())
	}
}
