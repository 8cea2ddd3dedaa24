// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package s3static

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
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

// newLoopbackConnection cria um par TCP real em loopback: WriteFile exige
// um fd de verdade para sendfile, já que o spool de s3static passa pelo
// mesmo caminho de drenagem zero-copy de staticfile.
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

func drain(t *testing.T, conn *connection.Connection, client net.Conn) []byte {
	t.Helper()
	w := &drainWriter{}
	for !conn.Output.IsDone() {
		if _, err := conn.Output.WriteIntoOutput(w, conn.FD()); err != nil {
			t.Fatalf("WriteIntoOutput error: %v", err)
		}
	}
	conn.CloseSocket()

	got := make([]byte, 0)
	buf := make([]byte, 4096)
	for {
		n, err := client.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	return got
}

func newRequest(method stagedhttp.Method, path string) *stagedhttp.Request {
	return &stagedhttp.Request{Method: method, Path: path}
}

// fakeS3 sobe um servidor HTTP que responde como um backend compatível com
// S3 o bastante para exercitar GetObject: devolve objects[key] para GET,
// honra um cabeçalho Range simples de um único segmento, e 404 para chaves
// ausentes no mapa.
func fakeS3(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/test-bucket/")
		body, ok := objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`<Error><Code>NoSuchKey</Code></Error>`))
			return
		}

		if rng := r.Header.Get("Range"); rng != "" {
			parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
			start, errA := strconv.Atoi(parts[0])
			end, errB := strconv.Atoi(parts[1])
			if errA == nil && errB == nil {
				if end >= len(body) {
					end = len(body) - 1
				}
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
				w.WriteHeader(http.StatusPartialContent)
				w.Write([]byte(body[start : end+1]))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

func newHandler(t *testing.T, srv *httptest.Server) *Handler {
	t.Helper()
	h := &Handler{}
	err := h.LoadParam(map[string]string{
		"bucket":     "test-bucket",
		"endpoint":   srv.URL,
		"region":     "us-east-1",
		"access_key": "test",
		"secret_key": "test",
	})
	if err != nil {
		t.Fatalf("LoadParam: %v", err)
	}
	return h
}

func TestHandler_ServesObjectViaSpoolAndSendfile(t *testing.T) {
	srv := fakeS3(t, map[string]string{"hello.txt": "hello world"})
	defer srv.Close()
	h := newHandler(t, srv)

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/hello.txt"), resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("200 OK")) {
		t.Fatalf("expected 200, got %q", out)
	}
	if !bytes.HasSuffix(out, []byte("hello world")) {
		t.Fatalf("expected body, got %q", out)
	}
}

func TestHandler_ForwardsRangeHeaderAndReturns206(t *testing.T) {
	srv := fakeS3(t, map[string]string{"data.bin": "0123456789"})
	defer srv.Close()
	h := newHandler(t, srv)

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

func TestHandler_NotFound(t *testing.T) {
	srv := fakeS3(t, map[string]string{})
	defer srv.Close()
	h := newHandler(t, srv)

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodGET, "/missing.txt"), resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("404")) {
		t.Fatalf("expected 404, got %q", out)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	srv := fakeS3(t, map[string]string{})
	defer srv.Close()
	h := newHandler(t, srv)

	conn, client := newLoopbackConnection(t)
	resp := stagedhttp.NewResponse(conn, fakeEnqueuer{})
	h.HandleRequest(newRequest(stagedhttp.MethodPOST, "/"), resp)

	out := drain(t, conn, client)
	if !bytes.Contains(out, []byte("405")) {
		t.Fatalf("expected 405, got %q", out)
	}
}

func TestResolveKey_ClampsTraversal(t *testing.T) {
	key, err := resolveKey("assets", "index.html", "/../../etc/passwd")
	if err != nil {
		t.Fatalf("resolveKey: %v", err)
	}
	if strings.Contains(key, "..") {
		t.Fatalf("expected traversal to be clamped, got key %q", key)
	}
}

func TestResolveKey_AppliesIndexForDirectoryPath(t *testing.T) {
	key, err := resolveKey("", "index.html", "/")
	if err != nil {
		t.Fatalf("resolveKey: %v", err)
	}
	if key != "index.html" {
		t.Fatalf("expected %q, got %q", "index.html", key)
	}
}

func TestHandler_LoadParam_RequiresBucket(t *testing.T) {
	h := &Handler{}
	if err := h.LoadParam(map[string]string{}); err == nil {
		t.Fatalf("expected error when bucket is missing")
	}
}
