// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig representa a configuração completa do nrender-client.
type ClientConfig struct {
	Client   ClientInfo   `yaml:"client"`
	Daemon   DaemonInfo   `yaml:"daemon"`
	Nodes    []NodeEntry  `yaml:"nodes"`
	Transfer TransferInfo `yaml:"transfer"`
	Retry    RetryInfo    `yaml:"retry"`
	Jobs     []JobEntry   `yaml:"jobs"`
	Output   OutputInfo   `yaml:"output"`
	Settings SettingsInfo `yaml:"settings"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// ClientInfo identifica o coordenador.
type ClientInfo struct {
	Name string `yaml:"name"`
}

// DaemonInfo contém a cron expression do scheduler de jobs.
type DaemonInfo struct {
	Schedule string `yaml:"schedule"`
}

// NodeEntry descreve um render node da farm.
type NodeEntry struct {
	Name        string  `yaml:"name"`
	Address     string  `yaml:"address"`
	Pass        string  `yaml:"pass"`
	MAC         string  `yaml:"mac"`         // habilita wake-on-LAN quando presente
	RenderType  string  `yaml:"render_type"` // CPU, CUDA, OPTIX, HIP, METAL
	Performance float64 `yaml:"performance"` // peso manual; 0 = usar core count
}

// TransferInfo contém configurações do pipeline de sync.
type TransferInfo struct {
	MaxUploadRate    string `yaml:"max_upload_rate"` // ex: "10mb" (por segundo), vazio = sem limite
	MaxUploadRateRaw int64  `yaml:"-"`               // valor parseado em bytes/s
	Compression      string `yaml:"compression"`     // none (default), gzip, zstd
}

// RetryInfo contém os budgets de retry e recovery.
//
// render_attempts limita os ciclos de reconexão por render/peek;
// batch_attempts (0 = ilimitado) vale para renderBatch. recover_attempts
// e recover_interval parametrizam cada ciclo de connectRecover.
type RetryInfo struct {
	RenderAttempts  int           `yaml:"render_attempts"`
	BatchAttempts   int           `yaml:"batch_attempts"`
	RecoverAttempts int           `yaml:"recover_attempts"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// JobEntry representa um render job agendável.
type JobEntry struct {
	Name       string `yaml:"name"`
	Scene      string `yaml:"scene"`      // caminho local do .blend
	SessionID  string `yaml:"session_id"` // vazio = derivado do nome
	Version    string `yaml:"version"`    // versão do Blender no node
	FrameStart int    `yaml:"frame_start"`
	FrameEnd   int    `yaml:"frame_end"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Samples    int    `yaml:"samples"`
	Engine     string `yaml:"engine"`
}

// OutputInfo contém o destino dos frames renderizados.
type OutputInfo struct {
	Dir string   `yaml:"dir"`
	S3  S3Output `yaml:"s3"`
}

// S3Output contém o archive opcional em object storage. Bucket vazio
// desabilita o upload.
type S3Output struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // vazio = AWS; preenchido para MinIO e afins
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SettingsInfo aponta o blob JSON de preferências persistidas.
type SettingsInfo struct {
	Path string `yaml:"path"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	File    string `yaml:"file"`     // vazio = apenas stdout
	JobsDir string `yaml:"jobs_dir"` // vazio = sem log por job
}

// LoadClientConfig lê e valida o arquivo YAML de configuração do client.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Client.Name == "" {
		return fmt.Errorf("client.name is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes must have at least one entry")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d].name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("nodes[%d].name %q is duplicated", i, n.Name)
		}
		seen[n.Name] = true
		if n.Address == "" {
			return fmt.Errorf("nodes[%d].address is required", i)
		}
		if n.Performance < 0 {
			return fmt.Errorf("nodes[%d].performance must be >= 0, got %v", i, n.Performance)
		}
	}

	switch strings.ToLower(c.Transfer.Compression) {
	case "", "none":
		c.Transfer.Compression = ""
	case "gzip":
		c.Transfer.Compression = "gzip"
	case "zstd":
		c.Transfer.Compression = "zstd"
	default:
		return fmt.Errorf("transfer.compression must be none, gzip or zstd, got %q", c.Transfer.Compression)
	}

	if c.Transfer.MaxUploadRate != "" {
		parsed, err := ParseByteSize(c.Transfer.MaxUploadRate)
		if err != nil {
			return fmt.Errorf("transfer.max_upload_rate: %w", err)
		}
		c.Transfer.MaxUploadRateRaw = parsed
	}

	if c.Retry.RenderAttempts <= 0 {
		c.Retry.RenderAttempts = 3
	}
	if c.Retry.BatchAttempts < 0 {
		return fmt.Errorf("retry.batch_attempts must be >= 0 (0 = unlimited), got %d", c.Retry.BatchAttempts)
	}
	if c.Retry.RecoverAttempts <= 0 {
		c.Retry.RecoverAttempts = 5
	}
	if c.Retry.RecoverInterval <= 0 {
		c.Retry.RecoverInterval = 1 * time.Second
	}

	if c.Daemon.Schedule != "" && len(c.Jobs) == 0 {
		return fmt.Errorf("daemon.schedule is set but jobs is empty")
	}
	for i, j := range c.Jobs {
		if j.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if j.Scene == "" {
			return fmt.Errorf("jobs[%d].scene is required", i)
		}
		if j.Version == "" {
			return fmt.Errorf("jobs[%d].version is required", i)
		}
		if j.FrameEnd < j.FrameStart {
			return fmt.Errorf("jobs[%d]: frame_end %d before frame_start %d", i, j.FrameEnd, j.FrameStart)
		}
		if j.SessionID == "" {
			c.Jobs[i].SessionID = j.Name
		}
	}

	if len(c.Jobs) > 0 && c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required when jobs are configured")
	}
	if c.Output.S3.Bucket != "" && c.Output.S3.Region == "" && c.Output.S3.Endpoint == "" {
		return fmt.Errorf("output.s3 needs region or endpoint when bucket is set")
	}

	if c.Settings.Path == "" {
		c.Settings.Path = "/var/lib/nrender/settings.json"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
