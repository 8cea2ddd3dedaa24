// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package staticfile

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/stagedhttp/internal/connection"
	"github.com/nishisan-dev/stagedhttp/internal/fdio"
	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
)

type fakeEnqueuer struct{}

func (fakeEnqueuer) Enqueue(c *connection.Connection) bool { return true }

// drainWriter encaminha as escritas dos sinks de Buffer ao fd real, para que
// o lado cliente receba status line, cabeçalhos e corpos em memória.
type drainWriter struct{}

func (drainWriter) Write(fd int, p []byte) (int, error) {
	return fdio.Syscall{}.Write(fd, p)
}

// newLoopbackConnection cria um par TCP real em loopback para que sinks de
// FileRange possam drenar via sendfile sobre um fd de verdade; o lado
// cliente devolvido permite ler o que foi escrito.
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
	conn.SetFDCloser(file)
	t.Cleanup(func() {
		client.Close()
		tcpServer.Close()
		file.Close()
	})
	return conn, client
}

// drain escreve todos os sinks pendentes diretamente no fd real da conexão
// (necessário para sinks de FileRange, que ignoram o buffer.Writer), fecha o
// lado servidor para sinalizar EOF, e devolve o que o lado cliente recebeu.
func drain(t *testing.T, conn *connection.Connection, client net.Conn) []byte {
	t.Helper()
	w := &drainWriter{}
	for !conn.Output.IsDone() {
		if _, err := conn.Output.WriteIntoOutput(w, conn.FD()); err != nil {
			t.Fatalf("WriteIntoOutput error: %v", err)
		}
	}
	conn.CloseSocket()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("reading from client side: %v", err)
	}
	return got
}

func newRequest(method stagedhttp.Method, path string) *stagedhttp.Request {
	return &stagedhttp.Request{Method: method, Path: path}
}

func TestHandler_ServesFileWithSendfile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})

	if ok := h.HandleRequest(newRequest(stagedhttp.MethodGET, "/hello.txt"), resp); !ok {
		t.Fatalf("expected handler to respond")
	}

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("HTTP/1.1 200 OK")) {
		t.Fatalf("expected 200 status line, got %q", out)
	}
	if !bytes.HasSuffix(out, []byte("hello world")) {
		t.Fatalf("expected body via sendfile in response, got %q", out)
	}
}

func TestHandler_PathTraversalNeverEscapesRoot(t *testing.T) {
	// secret.txt sits next to root, never inside it; a "../" escape attempt
	// must never be able to reach it. filepath.Clean clamps a leading ".."
	// to "/" before Join ever runs, so the request resolves harmlessly to a
	// nonexistent path inside root (404), not to the sibling file.
	parent := t.TempDir()
	if err := os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	dir := filepath.Join(parent, "root")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("creating root dir: %v", err)
	}

	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})

	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/../secret.txt"), resp)

	out := drain(t, conn, client)
	if bytes.Contains(out, []byte("nope")) {
		t.Fatalf("traversal attempt must never reach the sibling file, got %q", out)
	}
	if !bytes.Contains(out, []byte("404")) {
		t.Fatalf("expected 404 for a clamped traversal attempt, got %q", out)
	}
}

func TestHandler_RejectsNullByteInPath(t *testing.T) {
	dir := t.TempDir()
	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})

	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/hello\x00.txt"), resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("403")) {
		t.Fatalf("expected 403 Forbidden for a null byte in the path, got %q", out)
	}
}

func TestHandler_NotFound(t *testing.T) {
	dir := t.TempDir()
	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/missing.txt"), resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("404")) {
		t.Fatalf("expected 404 Not Found, got %q", out)
	}
}

func TestHandler_RangeRequest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})

	req := newRequest(stagedhttp.MethodGET, "/data.bin")
	req.Headers.Add("Range", "bytes=2-5")
	h.HandleRequest(req, resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("206")) {
		t.Fatalf("expected 206 Partial Content, got %q", out)
	}
	if !bytes.Contains(out, []byte("Content-Range: bytes 2-5/10")) {
		t.Fatalf("expected Content-Range header, got %q", out)
	}
	if !bytes.HasSuffix(out, []byte("2345")) {
		t.Fatalf("expected body to be bytes 2-5, got %q", out)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	dir := t.TempDir()
	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodPOST, "/"), resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("405")) {
		t.Fatalf("expected 405 Method Not Allowed, got %q", out)
	}
}

func TestHandler_ServesFromCacheOnSecondRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": dir, "cache_entries": "8"}); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/hello.txt"), resp)
	out := drain(t, conn, client)
	if !bytes.HasSuffix(out, []byte("hello world")) {
		t.Fatalf("expected body on first (cache-populating) request, got %q", out)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat fixture: %v", err)
	}
	if _, ok := h.cache.Get(path, info.ModTime(), info.Size()); !ok {
		t.Fatalf("expected the file to be cached after being served")
	}

	conn2, client2 := newLoopbackConnection(t)
	resp2 := stagedhttp.NewResponse(conn2, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/hello.txt"), resp2)
	out2 := drain(t, conn2, client2)
	if !bytes.HasSuffix(out2, []byte("hello world")) {
		t.Fatalf("expected body on second (cache-hit) request, got %q", out2)
	}
}

func TestHandler_CacheSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 128), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	h := &Handler{}
	opts := map[string]string{"root": dir, "cache_entries": "8", "cache_entry_size": "16"}
	if err := h.LoadParam(opts); err != nil {
		t.Fatalf("LoadParam: %v", err)
	}

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/big.bin"), resp)
	drain(t, conn, client)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat fixture: %v", err)
	}
	if _, ok := h.cache.Get(path, info.ModTime(), info.Size()); ok {
		t.Fatalf("expected a file larger than cache_entry_size to never be cached")
	}
}

func TestHandler_LoadParam_RequiresRoot(t *testing.T) {
	h := &Handler{}
	if err := h.LoadParam(map[string]string{}); err == nil {
		t.Fatalf("expected error when root is missing")
	}
}

func TestHandler_LoadParam_RejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	h := &Handler{}
	if err := h.LoadParam(map[string]string{"root": file}); err == nil {
		t.Fatalf("expected error when root is not a directory")
	}
}
