// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package farm orquestra render jobs sobre os nodes: prepara a versão do
// Blender, sincroniza a cena, dispara o batch e arquiva os frames.
package farm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/n-render/internal/client"
	"github.com/nishisan-dev/n-render/internal/config"
	"github.com/nishisan-dev/n-render/internal/logging"
	"github.com/nishisan-dev/n-render/internal/output"
	"github.com/nishisan-dev/n-render/internal/protocol"
	"github.com/nishisan-dev/n-render/internal/settings"
)

// RenderNode é a fatia do client.Node que o runner usa. Interface para
// os testes substituírem o node por um stub sem transporte.
type RenderNode interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SelectSession(sessionID string)
	SyncFile(ctx context.Context, sessionID string, fileID int64, path, compression string) error
	SyncNetworkFile(ctx context.Context, sessionID string, fileID int64, windowsPath, linuxPath, macPath string) error
	IsVersionAvailable(ctx context.Context, version string) (bool, error)
	Prepare(ctx context.Context, version string) error
	RenderBatch(ctx context.Context, req protocol.RenderBatchRequest) (*protocol.RenderBatchResponse, error)
	OnBatchResult(fn client.BatchResultListener) (unsubscribe func())
}

// FrameStore é a fatia do output.Store que o runner usa.
type FrameStore interface {
	SaveFrame(ctx context.Context, frame int, data []byte) (string, error)
	HasFrame(frame int) bool
}

// JobResult resume a última execução de um job.
type JobResult struct {
	Status          string
	FramesRendered  int
	FramesFailed    int
	DurationSeconds float64
	BytesWritten    int64
	Timestamp       time.Time
}

// Job é um render job agendável com o estado da última execução.
type Job struct {
	Entry config.JobEntry

	mu         sync.Mutex
	running    bool
	LastResult *JobResult
}

// Running indica se o job está em execução.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) setRunning(v bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if v && j.running {
		return false
	}
	j.running = v
	return true
}

func (j *Job) recordResult(res *JobResult) {
	j.mu.Lock()
	j.LastResult = res
	j.mu.Unlock()
}

// Runner executa jobs contra um node, persistindo frames e preferências.
type Runner struct {
	cfg      *config.ClientConfig
	node     RenderNode
	store    *settings.Store
	newStore func(ctx context.Context, jobName string) (FrameStore, error)
	logger   *slog.Logger
}

// NewRunner cria um Runner para o node informado.
func NewRunner(cfg *config.ClientConfig, node RenderNode, store *settings.Store, logger *slog.Logger) *Runner {
	r := &Runner{
		cfg:    cfg,
		node:   node,
		store:  store,
		logger: logger.With("component", "runner"),
	}
	r.newStore = func(ctx context.Context, jobName string) (FrameStore, error) {
		return output.NewStore(ctx, cfg.Output.Dir, jobName, output.S3Config{
			Bucket:    cfg.Output.S3.Bucket,
			Region:    cfg.Output.S3.Region,
			Endpoint:  cfg.Output.S3.Endpoint,
			Prefix:    cfg.Output.S3.Prefix,
			AccessKey: cfg.Output.S3.AccessKey,
			SecretKey: cfg.Output.S3.SecretKey,
		}, logger)
	}
	return r
}

// RunJob executa um job de ponta a ponta: connect, prepare, sync,
// renderBatch e persistência dos frames. Reentrância é negada: um job
// já em execução retorna erro imediatamente.
func (r *Runner) RunJob(ctx context.Context, job *Job) error {
	if !job.setRunning(true) {
		return fmt.Errorf("job %s already running", job.Entry.Name)
	}
	defer job.setRunning(false)

	logger, closer, _, err := logging.NewJobLogger(r.logger, r.cfg.Logging.JobsDir, r.cfg.Client.Name, job.Entry.Name)
	if err != nil {
		return err
	}
	defer closer.Close()

	started := time.Now()
	result := &JobResult{Status: "failed", Timestamp: started}
	defer func() {
		result.DurationSeconds = time.Since(started).Seconds()
		job.recordResult(result)
		// Log detalhado só interessa quando o job falha.
		if result.Status == "success" && result.FramesFailed == 0 {
			logging.RemoveJobLog(r.cfg.Logging.JobsDir, r.cfg.Client.Name, job.Entry.Name)
		}
	}()

	logger.Info("job starting", "job", job.Entry.Name,
		"frames", fmt.Sprintf("%d-%d", job.Entry.FrameStart, job.Entry.FrameEnd))

	if err := r.node.Connect(ctx); err != nil {
		return fmt.Errorf("connecting node: %w", err)
	}

	if err := r.ensureVersion(ctx, job.Entry.Version, logger); err != nil {
		return err
	}

	if err := r.syncScene(ctx, job, logger); err != nil {
		return err
	}

	store, err := r.newStore(ctx, job.Entry.Name)
	if err != nil {
		return err
	}

	// Frames já em disco não voltam para o batch: re-execuções só
	// renderizam o que falta.
	var frames []int
	for f := job.Entry.FrameStart; f <= job.Entry.FrameEnd; f++ {
		if !store.HasFrame(f) {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		logger.Info("all frames already rendered, nothing to do")
		result.Status = "success"
		return nil
	}

	taskID := fmt.Sprintf("%s-%d", job.Entry.Name, started.Unix())

	// O response do batch só confirma o fechamento; os frames chegam como
	// eventos e podem ainda estar na fila de dispatch quando o response
	// retorna. done fecha quando todos os frames do batch foram tratados.
	var resMu sync.Mutex
	processed := 0
	done := make(chan struct{})
	unsubscribe := r.node.OnBatchResult(func(ev protocol.RenderBatchResultEvent) {
		if ev.TaskID != taskID {
			return
		}
		resMu.Lock()
		defer resMu.Unlock()
		if ev.Success {
			path, err := store.SaveFrame(ctx, ev.Frame, ev.Data)
			if err != nil {
				result.FramesFailed++
				logger.Error("saving frame", "frame", ev.Frame, "error", err)
			} else {
				result.FramesRendered++
				result.BytesWritten += int64(len(ev.Data))
				logger.Debug("frame saved", "frame", ev.Frame, "path", path)
			}
		} else {
			result.FramesFailed++
			logger.Warn("frame failed on node", "frame", ev.Frame)
		}
		processed++
		if processed == len(frames) {
			close(done)
		}
	})
	defer unsubscribe()

	resp, err := r.node.RenderBatch(ctx, protocol.RenderBatchRequest{
		TaskID:    taskID,
		SessionID: job.Entry.SessionID,
		Version:   job.Entry.Version,
		Frames:    frames,
		Settings: protocol.RenderSettings{
			Width:   job.Entry.Width,
			Height:  job.Entry.Height,
			Samples: job.Entry.Samples,
			Engine:  job.Entry.Engine,
		},
	})
	if err != nil {
		return fmt.Errorf("render batch: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("render batch failed on node: %s", resp.Message)
	}

	// Depois do response, os eventos restantes já estão na fila local.
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		logger.Warn("timed out waiting for frame results",
			"expected", len(frames))
	}

	r.persistPreferences(job)

	result.Status = "success"
	logger.Info("job finished",
		"framesRendered", result.FramesRendered,
		"framesFailed", result.FramesFailed,
		"bytes", result.BytesWritten,
		"duration", time.Since(started).Round(time.Millisecond))
	return nil
}

// ensureVersion garante a versão do Blender no node, provisionando se
// necessário.
func (r *Runner) ensureVersion(ctx context.Context, version string, logger *slog.Logger) error {
	ok, err := r.node.IsVersionAvailable(ctx, version)
	if err != nil {
		return fmt.Errorf("probing blender %s: %w", version, err)
	}
	if ok {
		return nil
	}
	logger.Info("provisioning blender on node", "version", version)
	if err := r.node.Prepare(ctx, version); err != nil {
		return err
	}
	return nil
}

// syncScene escolhe entre sync direto e share de rede conforme as
// preferências persistidas do projeto.
func (r *Runner) syncScene(ctx context.Context, job *Job, logger *slog.Logger) error {
	st, err := os.Stat(job.Entry.Scene)
	if err != nil {
		return fmt.Errorf("stating scene: %w", err)
	}
	// O mtime identifica a versão do arquivo: cada edição da cena gera
	// um fileId novo e invalida o sync anterior.
	fileID := st.ModTime().UnixNano()

	r.node.SelectSession(job.Entry.SessionID)

	var proj settings.ProjectSettings
	if s, err := r.store.Load(); err == nil {
		proj = s.ProjectSettings[job.Entry.Scene]
	}

	if proj.UseNetworked {
		logger.Info("syncing via network share", "scene", job.Entry.Scene)
		err = r.node.SyncNetworkFile(ctx, job.Entry.SessionID, fileID,
			proj.NetPathWindows, proj.NetPathLinux, proj.NetPathMacOS)
	} else {
		logger.Info("syncing scene file", "scene", job.Entry.Scene,
			"bytes", st.Size(), "compression", r.cfg.Transfer.Compression)
		err = r.node.SyncFile(ctx, job.Entry.SessionID, fileID,
			job.Entry.Scene, r.cfg.Transfer.Compression)
	}
	if err != nil {
		return fmt.Errorf("syncing scene: %w", err)
	}
	return nil
}

// persistPreferences atualiza o blob de settings após um job bem
// sucedido. Falha aqui não falha o job.
func (r *Runner) persistPreferences(job *Job) {
	s, err := r.store.Load()
	if err != nil {
		r.logger.Warn("loading settings for update", "error", err)
		return
	}
	s.LastVersion = job.Entry.Version
	s.AddHistory(job.Entry.Scene)
	found := false
	for _, f := range s.LocalBlendFiles {
		if f == job.Entry.Scene {
			found = true
			break
		}
	}
	if !found {
		s.LocalBlendFiles = append(s.LocalBlendFiles, job.Entry.Scene)
	}
	if err := r.store.Save(s); err != nil {
		r.logger.Warn("saving settings", "error", err)
	}
}
