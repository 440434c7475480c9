// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package farm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-render/internal/client"
)

const statsInterval = 5 * time.Minute

// jobSnapshot captura o estado de um job para o log estruturado.
type jobSnapshot struct {
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	LastStatus    string  `json:"last_status,omitempty"`
	LastFrames    int     `json:"last_frames,omitempty"`
	LastFailed    int     `json:"last_failed,omitempty"`
	LastDurationS float64 `json:"last_duration_s,omitempty"`
	LastBytes     int64   `json:"last_bytes,omitempty"`
	LastAt        string  `json:"last_at,omitempty"`
}

// nodeSnapshot captura o estado observável de um node.
type nodeSnapshot struct {
	Name      string  `json:"name"`
	Connected bool    `json:"connected"`
	Activity  string  `json:"activity,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	ScorePP   float64 `json:"score_pp,omitempty"`
	Exception string  `json:"exception,omitempty"`
}

// StatsReporter emite métricas periódicas do daemon no log: estado dos
// jobs, dos nodes e do host local (via SystemMonitor).
type StatsReporter struct {
	scheduler *Scheduler
	nodes     []*client.Node
	monitor   *client.SystemMonitor
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(scheduler *Scheduler, nodes []*client.Node, monitor *client.SystemMonitor, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		scheduler: scheduler,
		nodes:     nodes,
		monitor:   monitor,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	uptime := time.Since(sr.startTime).Seconds()

	var runningCount int
	jobs := sr.scheduler.Jobs()
	jobSnaps := make([]jobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snap := jobSnapshot{Name: job.Entry.Name, Status: "idle"}

		job.mu.Lock()
		if job.running {
			runningCount++
			snap.Status = "running"
		}
		last := job.LastResult
		job.mu.Unlock()

		if last != nil {
			snap.LastStatus = last.Status
			snap.LastFrames = last.FramesRendered
			snap.LastFailed = last.FramesFailed
			snap.LastDurationS = last.DurationSeconds
			snap.LastBytes = last.BytesWritten
			snap.LastAt = last.Timestamp.Format(time.RFC3339)
		}
		jobSnaps = append(jobSnaps, snap)
	}

	var connectedCount int
	nodeSnaps := make([]nodeSnapshot, 0, len(sr.nodes))
	for _, n := range sr.nodes {
		snap := nodeSnapshot{
			Name:      n.Name,
			Connected: n.Connected(),
			Activity:  n.Activity(),
			ScorePP:   n.PerformanceScorePP(),
			Exception: n.Exception(),
		}
		if p := n.ActivityProgress(); p > 0 {
			snap.Progress = p
		}
		if snap.Connected {
			connectedCount++
		}
		nodeSnaps = append(nodeSnaps, snap)
	}

	// Serializa como JSON para log estruturado
	jobsJSON, _ := json.Marshal(jobSnaps)
	nodesJSON, _ := json.Marshal(nodeSnaps)

	attrs := []any{
		"uptime_seconds", int64(uptime),
		"jobs_total", len(jobs),
		"jobs_running", runningCount,
		"nodes_total", len(sr.nodes),
		"nodes_connected", connectedCount,
		"jobs", json.RawMessage(jobsJSON),
		"nodes", json.RawMessage(nodesJSON),
	}

	if sr.monitor != nil {
		host := sr.monitor.Stats()
		attrs = append(attrs,
			"host_cpu_percent", host.CPUPercent,
			"host_mem_percent", host.MemoryPercent,
			"host_disk_percent", host.DiskUsagePercent,
			"host_load1", host.LoadAverage,
		)
	}

	sr.logger.Info("daemon stats", attrs...)
}
