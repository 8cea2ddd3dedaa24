// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package s3static implementa o módulo de handler "s3static": serve objetos
// de um bucket S3 (ou qualquer backend compatível com a API S3, via
// "endpoint") em vez de um diretório no filesystem local, demonstrando que
// um Handler pluggable pode alimentar o mesmo caminho de resposta
// zero-copy via sendfile que internal/handlers/staticfile usa para
// arquivos locais — aqui, a partir de um spool temporário no disco local em
// vez do objeto original.
package s3static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/nishisan-dev/stagedhttp/internal/handler"
	stagedhttp "github.com/nishisan-dev/stagedhttp/internal/http"
)

const vendorName = "nishisan-dev"

// Factory constrói instâncias de Handler para o módulo "s3static".
type Factory struct{}

func (Factory) Create() handler.Handler { return &Handler{} }

func (Factory) ModuleName() string { return "s3static" }

func (Factory) VendorName() string { return vendorName }

// requestTimeout limita quanto tempo uma chamada GetObject pode levar antes
// de desistir e responder 502 — um backend S3 lento nunca deve travar um
// worker do HandlerStage indefinidamente.
const requestTimeout = 10 * time.Second

// Handler serve objetos de Bucket (sob Prefix, se configurado) via
// aws-sdk-go-v2, espelhando as mesmas regras de resolução de path e os
// mesmos bloqueios contra traversal de internal/handlers/staticfile, porém
// contra chaves S3 em vez de caminhos de filesystem.
type Handler struct {
	client *s3.Client
	bucket string
	prefix string
	index  string
}

// LoadParam lê "bucket" (obrigatório), "prefix" (opcional, default ""),
// "index" (opcional, default "index.html"), "region" (opcional, default
// resolvido pela cadeia padrão do SDK), "endpoint" (opcional — aponta para
// um backend compatível com S3, ex. MinIO, ligando UsePathStyle), e
// "access_key"/"secret_key" (opcionais — credenciais estáticas; se
// ausentes, a cadeia padrão de credenciais do SDK é usada).
func (h *Handler) LoadParam(options map[string]string) error {
	bucket, ok := options["bucket"]
	if !ok || strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("s3static: option %q is required", "bucket")
	}
	h.bucket = bucket
	h.prefix = strings.Trim(options["prefix"], "/")

	h.index = options["index"]
	if h.index == "" {
		h.index = "index.html"
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var optFns []func(*config.LoadOptions) error
	if region, ok := options["region"]; ok && region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	if ak, ok := options["access_key"]; ok && ak != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, options["secret_key"], "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return fmt.Errorf("s3static: loading AWS config: %w", err)
	}

	h.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint, ok := options["endpoint"]; ok && endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return nil
}

// HandleRequest resolve req.Path em uma chave S3 dentro de Bucket/Prefix,
// baixa o objeto inteiro para um arquivo temporário local e o serve via
// sendfile (Response.WriteFile), o mesmo caminho zero-copy que
// internal/handlers/staticfile usa para arquivos locais. Responde sempre
// (retorna true).
func (h *Handler) HandleRequest(req *stagedhttp.Request, resp *stagedhttp.Response) bool {
	if req.Method != stagedhttp.MethodGET && req.Method != stagedhttp.MethodHEAD {
		resp.Respond(stagedhttp.StatusMethodNotAllowed)
		return true
	}

	key, err := resolveKey(h.prefix, h.index, req.Path)
	if err != nil {
		resp.Respond(stagedhttp.StatusForbidden)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	input := &s3.GetObjectInput{Bucket: aws.String(h.bucket), Key: aws.String(key)}
	if rangeHeader, ok := req.Headers.Get("Range"); ok {
		input.Range = aws.String(rangeHeader)
	}

	out, err := h.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			resp.Respond(stagedhttp.StatusNotFound)
		} else {
			resp.Respond(stagedhttp.StatusBadGateway)
		}
		return true
	}
	defer out.Body.Close()

	f, err := spoolToTempFile(out.Body)
	if err != nil {
		resp.Respond(stagedhttp.StatusInternalServerError)
		return true
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		resp.Respond(stagedhttp.StatusInternalServerError)
		return true
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		resp.Respond(stagedhttp.StatusInternalServerError)
		return true
	}

	ct := aws.ToString(out.ContentType)
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(key))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	resp.AddHeader("Content-Type", ct)
	resp.AddHeader("Accept-Ranges", "bytes")

	status := stagedhttp.StatusOK
	if out.ContentRange != nil {
		status = stagedhttp.StatusPartialContent
		resp.AddHeader("Content-Range", aws.ToString(out.ContentRange))
	}

	resp.SetContentLength(size)
	resp.Respond(status)

	if req.Method == stagedhttp.MethodHEAD || size == 0 {
		f.Close()
		return true
	}
	if err := resp.WriteFile(f, 0, size); err != nil {
		f.Close()
	}
	return true
}

// spoolToTempFile grava r inteiro em um arquivo temporário e o desvincula
// do diretório imediatamente, devolvendo-o ainda aberto no início: o fd
// continua válido e seus dados acessíveis até ser fechado (semântica
// delete-on-close do Unix), então o WriteBackStage pode drená-lo via
// sendfile de forma assíncrona sem deixar um arquivo órfão no disco.
func spoolToTempFile(r io.Reader) (*os.File, error) {
	f, err := os.CreateTemp("", "s3static-*")
	if err != nil {
		return nil, err
	}
	name := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(name)
		return nil, err
	}
	os.Remove(name)
	return f, nil
}

// isNotFound reporta se err representa um objeto S3 inexistente (NoSuchKey
// / 404), para mapeá-lo a um 404 HTTP em vez de um 502 genérico.
func isNotFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == 404
	}
	return false
}

// resolveKey junta urlPath a prefix, aplicando a mesma defesa contra path
// traversal que internal/handlers/staticfile.resolvePath aplica a caminhos
// de filesystem, mas operando sobre uma chave S3 (sempre com "/", nunca
// filepath.Separator).
func resolveKey(prefix, index, urlPath string) (string, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", fmt.Errorf("decoding path: %w", err)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	cleaned := cleanSlashPath("/" + decoded)
	if strings.HasSuffix(cleaned, "/") {
		cleaned += index
	}
	cleaned = strings.TrimPrefix(cleaned, "/")

	if prefix == "" {
		return cleaned, nil
	}
	return prefix + "/" + cleaned, nil
}

// cleanSlashPath normaliza "." e ".." em um caminho estilo URL (sempre "/",
// independente do SO), análogo a filepath.Clean mas sem depender da
// convenção de separador do filesystem local.
func cleanSlashPath(p string) string {
	parts := strings.Split(p, "/")
	var out []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	return "/" + strings.Join(out, "/")
}
