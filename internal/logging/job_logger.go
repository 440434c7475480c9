// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler é um slog.Handler que despacha cada registro para dois handlers.
// Usado pelo JobLogger para gravar simultaneamente no handler global e no
// arquivo de log dedicado do render job.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Verifica Enabled() de cada handler individualmente antes de despachar.
	// Isso garante que registros DEBUG não são enviados ao handler primário
	// quando este aceita apenas INFO (ou superior).
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erros de escrita no arquivo do job não devem impedir o log global.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewJobLogger cria um logger que grava tanto no logger base (global) quanto
// em um arquivo dedicado para o render job. O arquivo é criado em:
//
//	{jobLogDir}/{clientName}/{jobName}.log
//
// Retorna o logger enriched, um io.Closer para fechar o arquivo do job e o
// path absoluto do arquivo criado. O Closer DEVE ser chamado (defer) quando
// o job terminar.
//
// Se jobLogDir for vazio, retorna o logger base sem modificações (no-op).
func NewJobLogger(baseLogger *slog.Logger, jobLogDir, clientName, jobName string) (*slog.Logger, io.Closer, string, error) {
	if jobLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(jobLogDir, clientName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating job log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, jobName+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening job log file %s: %w", logPath, err)
	}

	// Arquivo do job sempre usa JSON com nível DEBUG para captura máxima.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan-out: despacha para o handler do logger base + handler do arquivo.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveJobLog remove o arquivo de log de um job finalizado com sucesso.
// É no-op se jobLogDir for vazio ou o arquivo não existir.
func RemoveJobLog(jobLogDir, clientName, jobName string) {
	if jobLogDir == "" {
		return
	}
	logPath := filepath.Join(jobLogDir, clientName, jobName+".log")
	os.Remove(logPath)
}
