// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stages

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
)

// newLoopbackConnection cria um par TCP real em loopback e devolve uma
// Connection cujo fd é um duplicado do lado servidor (para que fdio.Syscall
// opere sobre um descritor real), mais o lado cliente para ler o que for
// escrito.
func newLoopbackConnection(t *testing.T) (*connection.Connection, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	serverSide, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	tcpServer := serverSide.(*net.TCPConn)
	file, err := tcpServer.File()
	if err != nil {
		t.Fatalf("File() failed: %v", err)
	}

	conn := connection.New(1, int(file.Fd()), tcpServer)
	t.Cleanup(func() {
		client.Close()
		tcpServer.Close()
		file.Close()
	})
	return conn, client
}

type fakeEnqueuer struct {
	enqueued []*connection.Connection
}

func (f *fakeEnqueuer) Enqueue(c *connection.Connection) bool {
	f.enqueued = append(f.enqueued, c)
	return true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteBackStage_ProcessTask_DrainsFullyAndReleasesLock(t *testing.T) {
	conn, client := newLoopbackConnection(t)
	conn.Output.AppendData([]byte("hello world"))

	recycle := &fakeEnqueuer{}
	ws := NewWriteBackStage(recycle, testLogger())

	rc := ws.ProcessTask(context.Background(), conn)
	if rc != 0 {
		t.Fatalf("expected rc 0 after a fully-drained small write, got %d", rc)
	}
	if !conn.Output.IsDone() {
		t.Fatalf("expected OutputStream to be fully drained")
	}

	buf := make([]byte, len("hello world"))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("reading from client side failed: %v", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("expected 'hello world', got %q", string(buf))
	}
}

func TestWriteBackStage_ProcessTask_SendsToRecycleWhenCloseAfterFinish(t *testing.T) {
	conn, client := newLoopbackConnection(t)
	defer client.Close()
	conn.Output.AppendData([]byte("bye"))
	conn.SetCloseAfterFinish()

	recycle := &fakeEnqueuer{}
	ws := NewWriteBackStage(recycle, testLogger())

	rc := ws.ProcessTask(context.Background(), conn)
	if rc != -1 {
		t.Fatalf("expected rc -1 (lock retained) when handing off to recycle, got %d", rc)
	}
	if len(recycle.enqueued) != 1 || recycle.enqueued[0] != conn {
		t.Fatalf("expected the connection to be enqueued to recycle")
	}
}
