// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package staticfile implementa o módulo de handler "staticfile": serve
// arquivos de um diretório raiz no filesystem local usando sendfile
// zero-copy (internal/stream via Response.WriteFile), com suporte a Range
// requests parciais e os mesmos bloqueios contra path traversal do restante
// da família de binários do projeto. Arquivos pequenos o bastante são
// opcionalmente servidos a partir de um internal/filecache em memória em vez
// de reabrir o arquivo a cada requisição.
package staticfile

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nishisan-dev/stagedhttp/internal/filecache"
	"github.com/nishisan-dev/stagedhttp/internal/handler"
	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
)

// vendorName identifica o autor do módulo no Registry; usado apenas para
// diagnóstico, nunca interpretado pelo core.
const vendorName = "nishisan-dev"

// Factory constrói instâncias de Handler para o módulo "staticfile".
type Factory struct{}

func (Factory) Create() handler.Handler { return &Handler{} }

func (Factory) ModuleName() string { return "staticfile" }

func (Factory) VendorName() string { return vendorName }

// Handler serve arquivos estáticos a partir de Root. O servidor cria uma
// instância nova (e chama LoadParam nela) a cada resolução do chain de
// handlers, ou seja, a cada requisição.
type Handler struct {
	root  string
	index string
	cache *filecache.Cache
}

// defaultCacheEntrySize é o limiar de elegibilidade do original
// (IOCache::max_entry_size_ == 4096 por padrão).
const defaultCacheEntrySize = 4096

// LoadParam lê as opções da entrada HandlerSpec correspondente: "root" é
// obrigatório e deve apontar para um diretório existente; "index" é
// opcional (default "index.html"). "cache_entries" (opcional, default 0 —
// desativado) liga o cache de arquivos pequenos em memória; quando > 0,
// "cache_entry_size" (opcional, default 4096) limita o tamanho máximo, em
// bytes, de um arquivo elegível.
func (h *Handler) LoadParam(options map[string]string) error {
	root, ok := options["root"]
	if !ok || strings.TrimSpace(root) == "" {
		return fmt.Errorf("staticfile: option %q is required", "root")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("staticfile: resolving root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("staticfile: root %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("staticfile: root %q is not a directory", root)
	}
	h.root = abs

	h.index = options["index"]
	if h.index == "" {
		h.index = "index.html"
	}

	maxEntries := 0
	if raw, ok := options["cache_entries"]; ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return fmt.Errorf("staticfile: invalid cache_entries %q", raw)
		}
		maxEntries = n
	}
	maxEntrySize := int64(defaultCacheEntrySize)
	if raw, ok := options["cache_entry_size"]; ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("staticfile: invalid cache_entry_size %q", raw)
		}
		maxEntrySize = n
	}
	h.cache = filecache.New(maxEntries, maxEntrySize)

	return nil
}

// HandleRequest resolve req.Path dentro de Root e serve o arquivo
// resultante via sendfile. Responde sempre (retorna true), nunca deixa a
// requisição cair para o próximo handler do chain.
func (h *Handler) HandleRequest(req *stagedhttp.Request, resp *stagedhttp.Response) bool {
	if req.Method != stagedhttp.MethodGET && req.Method != stagedhttp.MethodHEAD {
		resp.Respond(stagedhttp.StatusMethodNotAllowed)
		return true
	}

	localPath, err := resolvePath(h.root, req.Path)
	if err != nil {
		resp.Respond(stagedhttp.StatusForbidden)
		return true
	}

	info, err := os.Stat(localPath)
	if err != nil {
		resp.Respond(stagedhttp.StatusNotFound)
		return true
	}
	if info.IsDir() {
		localPath = filepath.Join(localPath, h.index)
		info, err = os.Stat(localPath)
		if err != nil {
			resp.Respond(stagedhttp.StatusNotFound)
			return true
		}
	}

	size := info.Size()
	offset, length, status := rangeFor(req, size)

	ct := mime.TypeByExtension(filepath.Ext(localPath))
	if ct == "" {
		ct = "application/octet-stream"
	}

	if data, ok := h.cache.Get(localPath, info.ModTime(), size); ok {
		h.respondFromMemory(resp, req, data, ct, offset, length, status, size)
		return true
	}

	f, err := os.Open(localPath)
	if err != nil {
		resp.Respond(stagedhttp.StatusNotFound)
		return true
	}

	if h.cache.Eligible(size) {
		data, readErr := os.ReadFile(localPath)
		f.Close()
		if readErr != nil {
			resp.Respond(stagedhttp.StatusNotFound)
			return true
		}
		h.cache.Put(localPath, info.ModTime(), data)
		h.respondFromMemory(resp, req, data, ct, offset, length, status, size)
		return true
	}

	resp.AddHeader("Content-Type", ct)
	resp.AddHeader("Accept-Ranges", "bytes")
	if status == stagedhttp.StatusPartialContent {
		resp.AddHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size))
	}
	resp.SetContentLength(length)
	resp.Respond(status)

	if req.Method == stagedhttp.MethodHEAD || length == 0 {
		f.Close()
		return true
	}
	if err := resp.WriteFile(f, offset, length); err != nil {
		f.Close()
	}
	return true
}

// respondFromMemory serve o conteúdo já carregado de data (seja de um hit de
// cache, seja de uma leitura recém-promovida a entrada de cache), fatiando-o
// para honrar um Range request sem reabrir o arquivo.
func (h *Handler) respondFromMemory(resp *stagedhttp.Response, req *stagedhttp.Request, data []byte, ct string, offset, length int64, status stagedhttp.Status, size int64) {
	resp.AddHeader("Content-Type", ct)
	resp.AddHeader("Accept-Ranges", "bytes")
	if status == stagedhttp.StatusPartialContent {
		resp.AddHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size))
	}
	resp.SetContentLength(length)
	if req.Method != stagedhttp.MethodHEAD && length > 0 {
		resp.WriteData(data[offset : offset+length])
	}
	resp.Respond(status)
}

// rangeFor interpreta o cabeçalho Range (apenas a forma "bytes=a-b", um
// único range), retornando o offset/length a servir e o status
// correspondente (200 ou 206). Ranges ausentes, mal-formados, ou com
// múltiplos segmentos caem de volta para o arquivo inteiro.
func rangeFor(req *stagedhttp.Request, size int64) (offset, length int64, status stagedhttp.Status) {
	raw, ok := req.Headers.Get("Range")
	if !ok || !strings.HasPrefix(raw, "bytes=") || strings.Contains(raw, ",") {
		return 0, size, stagedhttp.StatusOK
	}

	spec := strings.TrimPrefix(raw, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, size, stagedhttp.StatusOK
	}

	start, startErr := parseOptionalInt(parts[0])
	end, endErr := parseOptionalInt(parts[1])

	switch {
	case startErr == nil && endErr != nil: // "bytes=N-"
		if start >= size {
			return 0, 0, stagedhttp.StatusRangeNotSatisfiable
		}
		return start, size - start, stagedhttp.StatusPartialContent
	case startErr != nil && endErr == nil: // "bytes=-N" (últimos N bytes)
		if end > size {
			end = size
		}
		return size - end, end, stagedhttp.StatusPartialContent
	case startErr == nil && endErr == nil:
		if start > end || start >= size {
			return 0, 0, stagedhttp.StatusRangeNotSatisfiable
		}
		if end >= size {
			end = size - 1
		}
		return start, end - start + 1, stagedhttp.StatusPartialContent
	default:
		return 0, size, stagedhttp.StatusOK
	}
}

func parseOptionalInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseInt(s, 10, 64)
}

// resolvePath junta urlPath ao diretório root e garante que o resultado
// permanece dentro dele, prevenindo path traversal via "../" ou
// componentes absolutos no URI.
func resolvePath(root, urlPath string) (string, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", fmt.Errorf("decoding path: %w", err)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	cleaned := filepath.Clean("/" + decoded)
	joined := filepath.Join(root, cleaned)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	rel, err := filepath.Rel(absRoot, absJoined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", urlPath, root)
	}

	return absJoined, nil
}
