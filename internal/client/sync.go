// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// syncChunkSize é o tamanho de chunk do pipeline de sync. Variável (não
// const) apenas para os testes encolherem os chunks; produção usa 10MiB.
var syncChunkSize = 10 * 1024 * 1024

// countingReader contabiliza bytes lidos da fonte (pré-compressão).
// O progresso do sync é medido aqui, não nos bytes do wire.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(int64(n))
	return n, err
}

// SyncFile transfere um arquivo de cena para o node em chunks, com
// compressão opcional e rate limiting. Marca a sessão como synced apenas
// depois da verificação final (checkSync) confirmar.
//
// Fast path: se o node responder sameFile=true no init, nenhum byte é
// transferido e a sessão é marcada direto.
func (n *Node) SyncFile(ctx context.Context, sessionID string, fileID int64, path string, compression string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening scene file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating scene file: %w", err)
	}

	return n.syncReader(ctx, sessionID, fileID, f, st.Size(), compression)
}

func (n *Node) syncReader(ctx context.Context, sessionID string, fileID int64, r io.Reader, size int64, compression string) error {
	defer n.clearActivity()

	n.setActivity("Syncing (0.0%)")
	n.setActivityProgress(0)

	var start protocol.SyncResponse
	err := n.request(ctx, protocol.TypeSyncStart, protocol.SyncStartRequest{
		SessionID:   sessionID,
		FileID:      fileID,
		Compression: compression,
	}, protocol.TypeSyncResponse, &start)
	if err != nil {
		return err
	}
	if !start.Success {
		return &SyncError{Message: start.Message}
	}
	if start.SameFile {
		n.logger.Info("node already has file, skipping transfer",
			"session", sessionID, "fileId", fileID)
		n.markSynced(sessionID, fileID)
		return nil
	}

	// A transferência vai começar de verdade: só agora a sessão deixa de
	// estar synced. O fast path acima nunca passa por este estado.
	n.markUnsynced(sessionID)

	counter := &countingReader{r: r}
	stream, err := compressStream(counter, compression)
	if err != nil {
		return err
	}
	defer stream.Close()

	limiter := newUploadLimiter(n.opts.MaxUploadRate)
	buf := make([]byte, syncChunkSize)

	for {
		read, rerr := io.ReadFull(stream, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return fmt.Errorf("reading scene stream: %w", rerr)
		}

		if err := limiter.waitN(ctx, read); err != nil {
			return err
		}

		var ack protocol.SyncUploadResponse
		err := n.request(ctx, protocol.TypeSyncUpload, protocol.SyncUploadRequest{
			UploadID: start.UploadID,
			Data:     buf[:read],
		}, protocol.TypeSyncUploadResponse, &ack)
		if err != nil {
			return err
		}
		if !ack.Success {
			return &SyncError{Message: ack.Message}
		}

		if size > 0 {
			pct := float64(counter.n.Load()) / float64(size) * 100
			n.setActivity(fmt.Sprintf("Syncing (%.1f%%)", pct))
			n.setActivityProgress(pct)
		}

		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	var done protocol.SyncCompleteResponse
	err = n.request(ctx, protocol.TypeSyncComplete,
		protocol.SyncCompleteRequest{UploadID: start.UploadID},
		protocol.TypeSyncCompleteResponse, &done)
	if err != nil {
		return err
	}
	if !done.Success {
		return &SyncError{Message: done.Message}
	}

	if err := n.verifySync(ctx, sessionID, fileID); err != nil {
		return err
	}

	n.logger.Info("file sync complete", "session", sessionID, "fileId", fileID,
		"bytes", counter.n.Load(), "compression", compression)
	return nil
}

// SyncNetworkFile aponta o node para um share de rede em vez de
// transferir bytes. A verificação final é a mesma do sync direto.
func (n *Node) SyncNetworkFile(ctx context.Context, sessionID string, fileID int64, windowsPath, linuxPath, macPath string) error {
	var resp protocol.SyncResponse
	err := n.request(ctx, protocol.TypeSyncNetwork, protocol.SyncNetworkRequest{
		SessionID:   sessionID,
		FileID:      fileID,
		WindowsPath: windowsPath,
		LinuxPath:   linuxPath,
		MacPath:     macPath,
	}, protocol.TypeSyncResponse, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &SyncError{Message: resp.Message}
	}
	if resp.SameFile {
		n.logger.Info("node already has network file", "session", sessionID, "fileId", fileID)
		n.markSynced(sessionID, fileID)
		return nil
	}

	return n.verifySync(ctx, sessionID, fileID)
}

// verifySync pergunta ao node se o par (sessionId, fileId) está corrente.
// É o único caminho que marca uma sessão como synced.
func (n *Node) verifySync(ctx context.Context, sessionID string, fileID int64) error {
	var check protocol.CheckSyncResponse
	err := n.request(ctx, protocol.TypeCheckSync,
		protocol.CheckSyncRequest{SessionID: sessionID, FileID: fileID},
		protocol.TypeCheckSyncResponse, &check)
	if err != nil {
		return err
	}
	if !check.Success {
		n.markUnsynced(sessionID)
		return &SyncError{Message: "node failed sync verification"}
	}
	n.markSynced(sessionID, fileID)
	return nil
}

// compressStream embrulha r no codec pedido. A compressão roda em
// goroutine própria alimentando um pipe; o lado de leitura entrega os
// bytes já comprimidos para o chunker.
func compressStream(r io.Reader, compression string) (io.ReadCloser, error) {
	switch compression {
	case protocol.CompressionNone:
		return io.NopCloser(r), nil

	case protocol.CompressionGzip:
		pr, pw := io.Pipe()
		go func() {
			gz := pgzip.NewWriter(pw)
			if _, err := io.Copy(gz, r); err != nil {
				pw.CloseWithError(err)
				return
			}
			if err := gz.Close(); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.Close()
		}()
		return pr, nil

	case protocol.CompressionZstd:
		pr, pw := io.Pipe()
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		go func() {
			if _, err := io.Copy(enc, r); err != nil {
				pw.CloseWithError(err)
				return
			}
			if err := enc.Close(); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.Close()
		}()
		return pr, nil

	default:
		return nil, fmt.Errorf("unknown compression mode %q", compression)
	}
}
