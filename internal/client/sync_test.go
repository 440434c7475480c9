// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// syncRecorder instala handlers de sync no fake e grava o que chega.
type syncRecorder struct {
	mu       sync.Mutex
	starts   []protocol.SyncStartRequest
	chunks   [][]byte
	complete bool
	verified bool

	sameFile    bool
	nakUpload   bool
	denyCheck   bool
	initFailure string

	checks int
}

func (sr *syncRecorder) install(f *fakeNode) {
	f.handle(protocol.TypeSyncStart, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		var start protocol.SyncStartRequest
		req.Decode(&start)
		sr.mu.Lock()
		sr.starts = append(sr.starts, start)
		sr.mu.Unlock()

		if sr.initFailure != "" {
			f.reply(conn, req, protocol.TypeSyncResponse,
				protocol.SyncResponse{Success: false, Message: sr.initFailure})
			return
		}
		f.reply(conn, req, protocol.TypeSyncResponse,
			protocol.SyncResponse{Success: true, SameFile: sr.sameFile, UploadID: "up-1"})
	})

	f.handle(protocol.TypeSyncUpload, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		var up protocol.SyncUploadRequest
		req.Decode(&up)
		sr.mu.Lock()
		sr.chunks = append(sr.chunks, up.Data)
		sr.mu.Unlock()

		if sr.nakUpload {
			f.reply(conn, req, protocol.TypeSyncUploadResponse,
				protocol.SyncUploadResponse{Success: false, Message: "disk full"})
			return
		}
		f.reply(conn, req, protocol.TypeSyncUploadResponse,
			protocol.SyncUploadResponse{Success: true})
	})

	f.handle(protocol.TypeSyncComplete, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		sr.mu.Lock()
		sr.complete = true
		sr.mu.Unlock()
		f.reply(conn, req, protocol.TypeSyncCompleteResponse,
			protocol.SyncCompleteResponse{Success: true})
	})

	f.handle(protocol.TypeCheckSync, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		sr.mu.Lock()
		sr.checks++
		sr.verified = !sr.denyCheck
		sr.mu.Unlock()
		f.reply(conn, req, protocol.TypeCheckSyncResponse,
			protocol.CheckSyncResponse{Success: !sr.denyCheck})
	})

	f.handle(protocol.TypeSyncNetwork, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		f.reply(conn, req, protocol.TypeSyncResponse,
			protocol.SyncResponse{Success: true, SameFile: sr.sameFile})
	})
}

func (sr *syncRecorder) received() []byte {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []byte
	for _, c := range sr.chunks {
		out = append(out, c...)
	}
	return out
}

// smallChunks encolhe o chunk do pipeline para o teste e restaura depois.
func smallChunks(t *testing.T, size int) {
	t.Helper()
	old := syncChunkSize
	syncChunkSize = size
	t.Cleanup(func() { syncChunkSize = old })
}

func sceneFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "scene.blend")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing scene file: %v", err)
	}
	return path, data
}

func TestSyncFile_ChunksAndVerifies(t *testing.T) {
	smallChunks(t, 64)

	f := newFakeNode(t)
	sr := &syncRecorder{}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)
	n.SelectSession("sess-1")

	// 3 chunks cheios + 1 parcial.
	path, data := sceneFile(t, 64*3+17)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.SyncFile(ctx, "sess-1", 42, path, protocol.CompressionNone); err != nil {
		t.Fatalf("SyncFile: %v", err)
	}

	sr.mu.Lock()
	chunkCount := len(sr.chunks)
	complete := sr.complete
	verified := sr.verified
	sr.mu.Unlock()

	if chunkCount != 4 {
		t.Errorf("expected 4 chunks, got %d", chunkCount)
	}
	if !complete || !verified {
		t.Errorf("complete=%v verified=%v", complete, verified)
	}
	if !bytes.Equal(sr.received(), data) {
		t.Error("reassembled bytes differ from source")
	}

	if !n.IsSessionSynced("sess-1") {
		t.Error("session must be synced after verification")
	}
	if n.LastFileID() != 42 {
		t.Errorf("lastFileId: want 42, got %d", n.LastFileID())
	}
	if !n.IsIdle() {
		t.Errorf("activity must reset after sync, got %q", n.Activity())
	}
}

func TestSyncFile_SameFileFastPath(t *testing.T) {
	smallChunks(t, 64)

	f := newFakeNode(t)
	sr := &syncRecorder{sameFile: true}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	path, _ := sceneFile(t, 200)

	if err := n.SyncFile(context.Background(), "sess-1", 7, path, protocol.CompressionNone); err != nil {
		t.Fatalf("SyncFile: %v", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.chunks) != 0 {
		t.Errorf("sameFile must skip transfer, got %d chunks", len(sr.chunks))
	}
	if !n.IsSessionSynced("sess-1") {
		t.Error("sameFile must mark session synced")
	}
}

// TestSyncFile_SameFileNeverDropsSyncedState reexecuta um sync de sessão
// já synced: o fast path não pode nem transitoriamente derrubar o estado,
// senão listeners veem um (synced, false) espúrio.
func TestSyncFile_SameFileNeverDropsSyncedState(t *testing.T) {
	f := newFakeNode(t)
	sr := &syncRecorder{sameFile: true}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	n.markSynced("sess-1", 7)

	var mu sync.Mutex
	var sawUnsynced bool
	n.Subscribe(func(field string, value any) {
		if field != FieldSynced {
			return
		}
		if v, ok := value.(bool); ok && !v {
			mu.Lock()
			sawUnsynced = true
			mu.Unlock()
		}
	})

	path, _ := sceneFile(t, 200)
	if err := n.SyncFile(context.Background(), "sess-1", 7, path, protocol.CompressionNone); err != nil {
		t.Fatalf("SyncFile: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sawUnsynced {
		t.Error("fast path must not flip the session to unsynced")
	}
	if !n.IsSessionSynced("sess-1") {
		t.Error("session must remain synced after fast path")
	}
}

func TestSyncFile_InitFailure(t *testing.T) {
	f := newFakeNode(t)
	sr := &syncRecorder{initFailure: "unknown session"}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	path, _ := sceneFile(t, 10)

	err := n.SyncFile(context.Background(), "sess-1", 1, path, protocol.CompressionNone)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if syncErr.Message != "unknown session" {
		t.Errorf("message: got %q", syncErr.Message)
	}
}

func TestSyncFile_ChunkNak(t *testing.T) {
	smallChunks(t, 32)

	f := newFakeNode(t)
	sr := &syncRecorder{nakUpload: true}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	path, _ := sceneFile(t, 100)

	err := n.SyncFile(context.Background(), "sess-1", 1, path, protocol.CompressionNone)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if n.IsSessionSynced("sess-1") {
		t.Error("session must not be synced after nak")
	}
	if !n.IsIdle() {
		t.Errorf("activity must reset after failed sync, got %q", n.Activity())
	}
}

func TestSyncFile_VerificationDenied(t *testing.T) {
	smallChunks(t, 64)

	f := newFakeNode(t)
	sr := &syncRecorder{denyCheck: true}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	path, _ := sceneFile(t, 50)

	err := n.SyncFile(context.Background(), "sess-1", 1, path, protocol.CompressionNone)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if n.IsSessionSynced("sess-1") {
		t.Error("denied verification must not mark synced")
	}
}

func TestSyncFile_GzipRoundTrip(t *testing.T) {
	smallChunks(t, 128)

	f := newFakeNode(t)
	sr := &syncRecorder{}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	path, data := sceneFile(t, 1000)

	if err := n.SyncFile(context.Background(), "sess-1", 1, path, protocol.CompressionGzip); err != nil {
		t.Fatalf("SyncFile gzip: %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(sr.received()))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Error("gzip round trip mismatch")
	}
}

func TestSyncFile_ZstdRoundTrip(t *testing.T) {
	smallChunks(t, 128)

	f := newFakeNode(t)
	sr := &syncRecorder{}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	path, data := sceneFile(t, 1000)

	if err := n.SyncFile(context.Background(), "sess-1", 1, path, protocol.CompressionZstd); err != nil {
		t.Fatalf("SyncFile zstd: %v", err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(sr.received()))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("zstd decode: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Error("zstd round trip mismatch")
	}
}

func TestSyncFile_ProgressActivity(t *testing.T) {
	smallChunks(t, 50)

	f := newFakeNode(t)
	sr := &syncRecorder{}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	var mu sync.Mutex
	var labels []string
	n.Subscribe(func(field string, value any) {
		if field != FieldActivity {
			return
		}
		mu.Lock()
		labels = append(labels, value.(string))
		mu.Unlock()
	})

	path, _ := sceneFile(t, 100)
	if err := n.SyncFile(context.Background(), "sess-1", 1, path, protocol.CompressionNone); err != nil {
		t.Fatalf("SyncFile: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawHalf, sawFull bool
	for _, l := range labels {
		if l == "Syncing (50.0%)" {
			sawHalf = true
		}
		if l == "Syncing (100.0%)" {
			sawFull = true
		}
	}
	if !sawHalf || !sawFull {
		t.Errorf("progress labels missing 50%%/100%%: %v", labels)
	}
}

func TestSyncNetworkFile(t *testing.T) {
	f := newFakeNode(t)
	sr := &syncRecorder{}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	err := n.SyncNetworkFile(context.Background(), "sess-1", 3,
		`\\nas\scenes\a.blend`, "/mnt/nas/scenes/a.blend", "/Volumes/nas/scenes/a.blend")
	if err != nil {
		t.Fatalf("SyncNetworkFile: %v", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.chunks) != 0 {
		t.Errorf("network sync must not transfer chunks, got %d", len(sr.chunks))
	}
	if !n.IsSessionSynced("sess-1") {
		t.Error("network sync must mark session synced after verification")
	}
	if n.LastFileID() != 3 {
		t.Errorf("lastFileId: want 3, got %d", n.LastFileID())
	}
}

// TestSyncNetworkFile_SameFileSkipsVerification: se o node já conhece o
// arquivo do share, não há round trip extra de checkSync.
func TestSyncNetworkFile_SameFileSkipsVerification(t *testing.T) {
	f := newFakeNode(t)
	sr := &syncRecorder{sameFile: true}
	sr.install(f)
	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)

	err := n.SyncNetworkFile(context.Background(), "sess-1", 9,
		`\\nas\scenes\b.blend`, "/mnt/nas/scenes/b.blend", "/Volumes/nas/scenes/b.blend")
	if err != nil {
		t.Fatalf("SyncNetworkFile: %v", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.checks != 0 {
		t.Errorf("sameFile must skip checkSync, got %d checks", sr.checks)
	}
	if !n.IsSessionSynced("sess-1") {
		t.Error("sameFile must mark session synced")
	}
	if n.LastFileID() != 9 {
		t.Errorf("lastFileId: want 9, got %d", n.LastFileID())
	}
}
