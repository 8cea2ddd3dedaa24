// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package compress implementa o módulo de handler "compress": serve
// arquivos de um diretório raiz, comprimindo o corpo com zstd ou gzip
// conforme o que o cliente anuncia suporte via Accept-Encoding (zstd
// preferido quando ambos são aceitos) e a extensão do arquivo não está na
// lista de tipos já comprimidos (imagens, vídeos, zips).
//
// Diferente de staticfile (internal/handlers/staticfile), este módulo nunca
// usa sendfile: o corpo precisa passar pelo encoder zstd ou gzip antes de ir para o
// OutputStream, então é sempre acumulado em memória via Response.WriteData.
// Por isso Range requests não são suportadas aqui — pedir um range de um
// corpo comprimido sob demanda não faz sentido sem re-comprimir do zero a
// cada pedido.
package compress

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/stagedhttp/internal/handler"
	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
)

const vendorName = "nishisan-dev"

// Factory constrói instâncias de Handler para o módulo "compress".
type Factory struct{}

func (Factory) Create() handler.Handler { return &Handler{} }

func (Factory) ModuleName() string { return "compress" }

func (Factory) VendorName() string { return vendorName }

// incompressibleExt lista extensões cujo conteúdo já chega tipicamente
// comprimido ou não se beneficia de gzip; arquivos com essas extensões são
// servidos sem compressão mesmo quando o cliente a aceita.
var incompressibleExt = map[string]bool{
	".gz": true, ".zip": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".webp": true, ".mp4": true, ".mp3": true, ".woff2": true,
}

// Handler serve arquivos de Root comprimindo o corpo com zstd (via
// klauspost/compress/zstd) ou gzip (via klauspost/pgzip, compressão
// paralelizada por blocos), conforme o que o cliente aceita.
type Handler struct {
	root      string
	index     string
	level     int
	zstdLevel zstd.EncoderLevel
}

// LoadParam lê "root" (obrigatório), "index" (default "index.html"),
// "level" (nível de compressão gzip, 1-9, default pgzip.DefaultCompression)
// e "zstd_level" (nível de compressão zstd: "fastest", "default", "better",
// "best", default "default").
func (h *Handler) LoadParam(options map[string]string) error {
	root, ok := options["root"]
	if !ok || strings.TrimSpace(root) == "" {
		return fmt.Errorf("compress: option %q is required", "root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("compress: resolving root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("compress: root %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("compress: root %q is not a directory", root)
	}
	h.root = abs

	h.index = options["index"]
	if h.index == "" {
		h.index = "index.html"
	}

	h.level = pgzip.DefaultCompression
	if lvl, ok := options["level"]; ok && lvl != "" {
		n := 0
		if _, err := fmt.Sscanf(lvl, "%d", &n); err != nil || n < pgzip.BestSpeed || n > pgzip.BestCompression {
			return fmt.Errorf("compress: invalid level %q (expected %d-%d)", lvl, pgzip.BestSpeed, pgzip.BestCompression)
		}
		h.level = n
	}

	h.zstdLevel = zstd.SpeedDefault
	if lvl, ok := options["zstd_level"]; ok && lvl != "" {
		switch lvl {
		case "fastest":
			h.zstdLevel = zstd.SpeedFastest
		case "default":
			h.zstdLevel = zstd.SpeedDefault
		case "better":
			h.zstdLevel = zstd.SpeedBetterCompression
		case "best":
			h.zstdLevel = zstd.SpeedBestCompression
		default:
			return fmt.Errorf("compress: invalid zstd_level %q (expected fastest|default|better|best)", lvl)
		}
	}
	return nil
}

// HandleRequest resolve req.Path dentro de Root, lê o arquivo inteiro,
// comprime-o com zstd ou gzip quando aplicável, e escreve o resultado no corpo da
// resposta. Responde sempre (retorna true).
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

	raw, err := os.ReadFile(localPath)
	if err != nil {
		resp.Respond(stagedhttp.StatusInternalServerError)
		return true
	}

	ct := mime.TypeByExtension(filepath.Ext(localPath))
	if ct == "" {
		ct = "application/octet-stream"
	}
	resp.AddHeader("Content-Type", ct)

	body := raw
	if !incompressibleExt[strings.ToLower(filepath.Ext(localPath))] {
		switch {
		case h.acceptsEncoding(req, "zstd"):
			if compressed, err := h.zstdBytes(raw); err == nil {
				body = compressed
				resp.AddHeader("Content-Encoding", "zstd")
				resp.AddHeader("Vary", "Accept-Encoding")
			}
		case h.acceptsEncoding(req, "gzip"):
			if compressed, err := h.gzipBytes(raw); err == nil {
				body = compressed
				resp.AddHeader("Content-Encoding", "gzip")
				resp.AddHeader("Vary", "Accept-Encoding")
			}
		}
	}

	resp.SetContentLength(int64(len(body)))
	if req.Method != stagedhttp.MethodHEAD {
		resp.WriteData(body)
	}
	resp.Respond(stagedhttp.StatusOK)
	return true
}

// acceptsEncoding reporta se o cliente anuncia suporte a coding via
// Accept-Encoding (checagem simples de substring — sem análise de
// q-values, suficiente para a forma como browsers e curl emitem este
// cabeçalho).
func (h *Handler) acceptsEncoding(req *stagedhttp.Request, coding string) bool {
	ae, ok := req.Headers.Get("Accept-Encoding")
	if !ok {
		return false
	}
	for _, part := range strings.Split(ae, ",") {
		if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == coding {
			return true
		}
	}
	return false
}

// zstdBytes comprime data inteiro em memória usando klauspost/compress/zstd
// — a implementação zstd pura-Go de referência do ecossistema, escolhida
// aqui pela mesma razão que pgzip foi escolhida para gzip: já é a
// dependência que o resto do pack usa para este codec.
func (h *Handler) zstdBytes(data []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(h.zstdLevel))
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// gzipBytes comprime data inteiro em memória usando pgzip, cujo writer
// paraleliza a compressão em blocos através de goroutines internas —
// vantajoso aqui porque o arquivo inteiro já está em memória antes de
// comprimir.
func (h *Handler) gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := pgzip.NewWriterLevel(&buf, h.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resolvePath é a mesma defesa contra path traversal usada por
// internal/handlers/staticfile.resolvePath, duplicada aqui porque os dois
// módulos são pacotes independentes e pluggable — cada um autocontido o
// bastante para ser carregado isoladamente via -m (spec §6).
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
