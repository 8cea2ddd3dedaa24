// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package http

import (
	"bytes"
	"net"
	"testing"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
)

type fakeEnqueuer struct {
	enqueued []*connection.Connection
}

func (f *fakeEnqueuer) Enqueue(c *connection.Connection) bool {
	f.enqueued = append(f.enqueued, c)
	return true
}

type drainWriter struct {
	written []byte
}

func (w *drainWriter) Write(fd int, p []byte) (int, error) {
	w.written = append(w.written, p...)
	return len(p), nil
}

func newTestConnForResponse(t *testing.T) *connection.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return connection.New(1, 7, server)
}

func drainAll(t *testing.T, conn *connection.Connection) []byte {
	t.Helper()
	w := &drainWriter{}
	for !conn.Output.IsDone() {
		if _, err := conn.Output.WriteIntoOutput(w, conn.FD()); err != nil {
			t.Fatalf("WriteIntoOutput error: %v", err)
		}
	}
	return w.written
}

func TestResponse_Respond_EmitsStatusLineHeadersAndAutoContentLength(t *testing.T) {
	conn := newTestConnForResponse(t)
	enq := &fakeEnqueuer{}
	r := NewResponse(conn, enq)

	r.AddHeader("Host", "d")
	r.WriteData([]byte("hello world"))
	r.Respond(StatusOK)

	out := drainAll(t, conn)
	want := "HTTP/1.1 200 OK\r\nHost: d\r\nContent-Length: 11\r\n\r\nhello world"
	if !bytes.Equal(out, []byte(want)) {
		t.Fatalf("unexpected response bytes:\ngot:  %q\nwant: %q", out, want)
	}
}

func TestResponse_AddHeader_ContentLengthDivertsToTypedField(t *testing.T) {
	conn := newTestConnForResponse(t)
	r := NewResponse(conn, &fakeEnqueuer{})

	r.AddHeader("Content-Length", "42")
	r.Respond(StatusOK)

	out := drainAll(t, conn)
	if !bytes.Contains(out, []byte("Content-Length: 42\r\n")) {
		t.Fatalf("expected explicit Content-Length to take effect, got %q", out)
	}
	count := bytes.Count(out, []byte("Content-Length:"))
	if count != 1 {
		t.Fatalf("expected exactly one Content-Length header, found %d in %q", count, out)
	}
}

func TestResponse_Reset_ClearsStateForReuse(t *testing.T) {
	conn := newTestConnForResponse(t)
	r := NewResponse(conn, &fakeEnqueuer{})

	r.AddHeader("X-Test", "1")
	r.WriteData([]byte("abc"))
	r.Respond(StatusOK)
	if !r.Responded() {
		t.Fatalf("expected Responded() true after Respond")
	}

	r.Reset()
	if r.Responded() {
		t.Fatalf("expected Responded() false after Reset")
	}
	if len(r.headers) != 0 {
		t.Fatalf("expected headers cleared after Reset")
	}
}

func TestResponse_Finish_EnqueuesWhenOutputStreamNotDrained(t *testing.T) {
	conn := newTestConnForResponse(t)
	enq := &fakeEnqueuer{}
	r := NewResponse(conn, enq)

	r.WriteData([]byte("pending body"))
	r.Respond(StatusOK)

	if !r.Finish() {
		t.Fatalf("expected Finish to report true while OutputStream still has pending sinks")
	}
	if len(enq.enqueued) != 1 || enq.enqueued[0] != conn {
		t.Fatalf("expected connection enqueued into write-back stage")
	}
}

func TestResponse_Finish_NoEnqueueWhenNeverResponded(t *testing.T) {
	conn := newTestConnForResponse(t)
	enq := &fakeEnqueuer{}
	r := NewResponse(conn, enq)

	if r.Finish() {
		t.Fatalf("expected Finish to report false when Respond was never called")
	}
	if len(enq.enqueued) != 0 {
		t.Fatalf("expected no enqueue when response was never produced")
	}
}
