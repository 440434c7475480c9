// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package output grava frames renderizados no disco local e,
// opcionalmente, arquiva em object storage (S3 ou compatível).
package output

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader é a fatia do client S3 que o Store usa.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config parametriza o archive remoto. Bucket vazio desabilita.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // vazio = AWS
	Prefix    string
	AccessKey string
	SecretKey string
}

// Store grava frames por job em {baseDir}/{jobName}/frame-NNNN.png com
// escrita atômica: tmp no mesmo diretório → rename. Um crash no meio
// nunca deixa um frame truncado com o nome final.
type Store struct {
	baseDir  string
	jobName  string
	jobDir   string
	logger   *slog.Logger
	s3cfg    S3Config
	uploader Uploader
}

// NewStore cria um Store para o job, criando {baseDir}/{jobName}/ se
// necessário. s3cfg.Bucket vazio desabilita o archive remoto.
func NewStore(ctx context.Context, baseDir, jobName string, s3cfg S3Config, logger *slog.Logger) (*Store, error) {
	jobDir := filepath.Join(baseDir, jobName)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	st := &Store{
		baseDir: baseDir,
		jobName: jobName,
		jobDir:  jobDir,
		logger:  logger.With("component", "output", "job", jobName),
		s3cfg:   s3cfg,
	}

	if s3cfg.Bucket != "" {
		client, err := newS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		st.uploader = client
	}

	return st, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO e afins normalmente não suportam virtual-hosted style.
			o.UsePathStyle = true
		}
	}), nil
}

// FrameName retorna o nome canônico de um frame.
func FrameName(frame int) string {
	return fmt.Sprintf("frame-%04d.png", frame)
}

// SaveFrame grava os bytes de um frame de forma atômica e, se o archive
// estiver habilitado, sobe uma cópia para o bucket. Falha de upload não
// desfaz a escrita local: o frame em disco é a fonte de verdade.
func (st *Store) SaveFrame(ctx context.Context, frame int, data []byte) (string, error) {
	name := FrameName(frame)

	tmp, err := os.CreateTemp(st.jobDir, ".frame-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating frame temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing frame temp file: %w", err)
	}

	finalPath := filepath.Join(st.jobDir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("committing frame: %w", err)
	}

	if st.uploader != nil {
		if err := st.archive(ctx, name, data); err != nil {
			st.logger.Warn("frame archive failed, keeping local copy",
				"frame", frame, "error", err)
		}
	}

	return finalPath, nil
}

func (st *Store) archive(ctx context.Context, name string, data []byte) error {
	key := st.jobName + "/" + name
	if st.s3cfg.Prefix != "" {
		key = strings.TrimSuffix(st.s3cfg.Prefix, "/") + "/" + key
	}

	_, err := st.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(st.s3cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	st.logger.Debug("frame archived", "key", key, "bytes", len(data))
	return nil
}

// Frames lista os frames já gravados do job, em ordem.
func (st *Store) Frames() ([]string, error) {
	entries, err := os.ReadDir(st.jobDir)
	if err != nil {
		return nil, fmt.Errorf("reading output directory: %w", err)
	}

	var frames []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "frame-") && strings.HasSuffix(e.Name(), ".png") {
			frames = append(frames, e.Name())
		}
	}
	sort.Strings(frames)
	return frames, nil
}

// HasFrame indica se um frame já foi gravado (para pular em re-execuções).
func (st *Store) HasFrame(frame int) bool {
	_, err := os.Stat(filepath.Join(st.jobDir, FrameName(frame)))
	return err == nil
}

// JobDir retorna o diretório de saída do job.
func (st *Store) JobDir() string {
	return st.jobDir
}
