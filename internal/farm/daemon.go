// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package farm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-render/internal/client"
	"github.com/nishisan-dev/n-render/internal/config"
	"github.com/nishisan-dev/n-render/internal/settings"
)

// BuildNodes cria os client.Node a partir das entradas de configuração,
// aplicando os budgets de retry e o rate limit de upload globais.
func BuildNodes(cfg *config.ClientConfig, logger *slog.Logger) []*client.Node {
	opts := client.DefaultNodeOptions()
	opts.RenderAttempts = cfg.Retry.RenderAttempts
	opts.BatchAttempts = cfg.Retry.BatchAttempts
	opts.RecoverAttempts = cfg.Retry.RecoverAttempts
	opts.RecoverInterval = cfg.Retry.RecoverInterval
	opts.MaxUploadRate = cfg.Transfer.MaxUploadRateRaw
	opts.Logger = logger

	nodes := make([]*client.Node, 0, len(cfg.Nodes))
	for _, entry := range cfg.Nodes {
		nodes = append(nodes, client.NewNode(entry.Name, entry.Address,
			entry.Pass, entry.MAC, entry.RenderType, entry.Performance, opts))
	}
	return nodes
}

// pickNode escolhe o node de maior performance configurada. Empates
// resolvem pela ordem da configuração.
func pickNode(nodes []*client.Node) *client.Node {
	var best *client.Node
	for _, n := range nodes {
		if best == nil || n.Performance() > best.Performance() {
			best = n
		}
	}
	return best
}

// RunDaemon inicia o client em modo daemon: scheduler cron para os jobs,
// system monitor e stats reporter. Bloqueia até SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração sem downtime (systemctl reload).
func RunDaemon(configPath string, cfg *config.ClientConfig, logger *slog.Logger) error {
	if cfg.Daemon.Schedule == "" {
		return fmt.Errorf("daemon.schedule is required in daemon mode")
	}

	logger.Info("starting daemon",
		"client", cfg.Client.Name,
		"nodes", len(cfg.Nodes),
		"jobs", len(cfg.Jobs),
	)

	monitor := client.NewSystemMonitor(logger, 0)
	monitor.Start()

	sched, stats, nodes, err := buildFarm(cfg, monitor, logger)
	if err != nil {
		monitor.Stop()
		return err
	}
	sched.Start()
	stats.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadClientConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			stats.Stop()
			sched.Stop(stopCtx)
			stopCancel()
			disconnectAll(nodes, logger)

			cfg = newCfg
			sched, stats, nodes, err = buildFarm(cfg, monitor, logger)
			if err != nil {
				monitor.Stop()
				return fmt.Errorf("reload scheduler: %w", err)
			}
			sched.Start()
			stats.Start()

			logger.Info("config reloaded successfully",
				"client", cfg.Client.Name,
				"nodes", len(cfg.Nodes),
				"jobs", len(cfg.Jobs),
			)
			continue
		}

		// SIGTERM ou SIGINT — graceful shutdown
		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		stats.Stop()
		sched.Stop(ctx)
		cancel()
		disconnectAll(nodes, logger)
		monitor.Stop()
		return nil
	}
}

// buildFarm monta nodes, runner, scheduler e stats reporter a partir de
// uma configuração. Usado no boot e em cada reload.
func buildFarm(cfg *config.ClientConfig, monitor *client.SystemMonitor, logger *slog.Logger) (*Scheduler, *StatsReporter, []*client.Node, error) {
	nodes := BuildNodes(cfg, logger)
	node := pickNode(nodes)
	if node == nil {
		return nil, nil, nil, fmt.Errorf("no nodes configured")
	}

	store := settings.NewStore(cfg.Settings.Path)
	runner := NewRunner(cfg, node, store, logger)

	jobs := make([]*Job, 0, len(cfg.Jobs))
	for _, entry := range cfg.Jobs {
		jobs = append(jobs, &Job{Entry: entry})
	}

	sched, err := NewScheduler(cfg.Daemon.Schedule, jobs, logger, runner.RunJob)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating scheduler: %w", err)
	}

	stats := NewStatsReporter(sched, nodes, monitor, logger)
	return sched, stats, nodes, nil
}

func disconnectAll(nodes []*client.Node, logger *slog.Logger) {
	for _, n := range nodes {
		if err := n.Disconnect(); err != nil {
			logger.Debug("disconnecting node", "node", n.Name, "error", err)
		}
	}
}

// RunAllJobs executa todos os jobs configurados sequencialmente e
// retorna o primeiro erro. Usado pelo modo --once.
func RunAllJobs(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	nodes := BuildNodes(cfg, logger)
	node := pickNode(nodes)
	if node == nil {
		return fmt.Errorf("no nodes configured")
	}
	defer disconnectAll(nodes, logger)

	store := settings.NewStore(cfg.Settings.Path)
	runner := NewRunner(cfg, node, store, logger)

	var firstErr error
	for _, entry := range cfg.Jobs {
		job := &Job{Entry: entry}
		if err := runner.RunJob(ctx, job); err != nil {
			logger.Error("job failed", "job", entry.Name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("job %q failed: %w", entry.Name, err)
			}
			continue
		}
		logger.Info("job completed", "job", entry.Name)
	}
	return firstErr
}

// RunHealthCheck conecta no node configurado com o nome informado,
// imprime a identidade reportada no handshake e desconecta.
func RunHealthCheck(nodeName string, cfg *config.ClientConfig, logger *slog.Logger) error {
	var node *client.Node
	for _, n := range BuildNodes(cfg, logger) {
		if n.Name == nodeName {
			node = n
			break
		}
	}
	if node == nil {
		return fmt.Errorf("node %q not found in config", nodeName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := node.Connect(ctx); err != nil {
		return fmt.Errorf("connecting for health check: %w", err)
	}
	defer node.Disconnect()

	busy, err := node.IsBusy(ctx)
	if err != nil {
		return fmt.Errorf("querying node status: %w", err)
	}

	status := "READY"
	if busy {
		status = "BUSY"
	}
	fmt.Printf("Node %s: %s (%s, %s, %d cores)\n",
		node.Name, status, node.ComputerName(), node.OS(), node.Cores())
	return nil
}
