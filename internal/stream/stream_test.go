// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"os"
	"testing"

	"github.com/nishisan-dev/stagedhttp/internal/buffer"
)

type fakeWriter struct {
	written []byte
	maxStep int
}

func (f *fakeWriter) Write(fd int, p []byte) (int, error) {
	n := len(p)
	if f.maxStep > 0 && n > f.maxStep {
		n = f.maxStep
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func TestOutputStream_AppendData_Coalesces(t *testing.T) {
	s := New()
	s.AppendData([]byte("hello "))
	s.AppendData([]byte("world"))

	if s.sinks.Len() != 1 {
		t.Fatalf("expected consecutive AppendData calls to coalesce into one sink, got %d", s.sinks.Len())
	}
	if got := s.MemoryUsage(); got != int64(len("hello world")) {
		t.Fatalf("expected memory usage %d, got %d", len("hello world"), got)
	}
}

func TestOutputStream_WriteIntoOutput_DrainsInOrder(t *testing.T) {
	s := New()
	s.AppendData([]byte("first"))
	buf := buffer.New()
	buf.Append([]byte("second"))
	s.AppendBuffer(buf)

	w := &fakeWriter{}
	for !s.IsDone() {
		if _, err := s.WriteIntoOutput(w, 7); err != nil {
			t.Fatalf("WriteIntoOutput error: %v", err)
		}
	}

	if !bytes.Equal(w.written, []byte("firstsecond")) {
		t.Fatalf("expected sinks drained in FIFO order, got %q", w.written)
	}
	if s.MemoryUsage() != 0 {
		t.Fatalf("expected zero memory usage after full drain, got %d", s.MemoryUsage())
	}
}

func TestOutputStream_AppendFile_ZeroMemoryUsage(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "stream-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()
	payload := bytes.Repeat([]byte{0x7A}, 4096)
	if _, err := tmp.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	s := New()
	s.AppendData([]byte("header"))
	if err := s.AppendFile(tmp, 0, -1); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}

	if got := s.MemoryUsage(); got != int64(len("header")) {
		t.Fatalf("FileRange must not count toward memory usage: expected %d, got %d", len("header"), got)
	}
	if s.IsDone() {
		t.Fatalf("expected OutputStream not done while file sink is pending")
	}
}

func TestOutputStream_Reset_ClosesFilesAndClearsSinks(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "stream-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := tmp.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	s := New()
	s.AppendData([]byte("pending"))
	if err := s.AppendFile(tmp, 0, -1); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}

	s.Reset()

	if !s.IsDone() {
		t.Fatalf("expected Reset to clear all sinks")
	}
	if s.MemoryUsage() != 0 {
		t.Fatalf("expected Reset to zero memory usage")
	}
}
