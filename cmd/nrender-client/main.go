// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/n-render/internal/config"
	"github.com/nishisan-dev/n-render/internal/farm"
	"github.com/nishisan-dev/n-render/internal/logging"
)

func main() {
	// Subcomando "health" detectado via os.Args
	if len(os.Args) >= 3 && os.Args[1] == "health" {
		runHealthCheck(os.Args[2])
		return
	}

	configPath := flag.String("config", "/etc/nrender/client.yaml", "path to client config file")
	once := flag.Bool("once", false, "run all jobs once and exit (no daemon)")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if *once {
		// Execução única — roda todos os jobs sequencialmente
		if err := farm.RunAllJobs(context.Background(), cfg, logger); err != nil {
			logger.Error("render run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Daemon mode
	if err := farm.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func runHealthCheck(nodeName string) {
	configPath := "/etc/nrender/client.yaml"
	// Permite: nrender-client health <node> --config <path>
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config for health check: %v\n", err)
		os.Exit(1)
	}

	logger, _ := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	if err := farm.RunHealthCheck(nodeName, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
}
