// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package output

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_SaveFrameAtomic(t *testing.T) {
	base := t.TempDir()
	st, err := NewStore(context.Background(), base, "shot-042", S3Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	data := []byte("png bytes")
	path, err := st.SaveFrame(context.Background(), 7, data)
	if err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}

	want := filepath.Join(base, "shot-042", "frame-0007.png")
	if path != want {
		t.Errorf("path: want %q, got %q", want, path)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(got) != string(data) {
		t.Error("frame bytes mismatch")
	}

	// Nenhum tmp sobra após o commit.
	entries, _ := os.ReadDir(st.JobDir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}

	if !st.HasFrame(7) {
		t.Error("HasFrame(7) must be true after save")
	}
	if st.HasFrame(8) {
		t.Error("HasFrame(8) must be false")
	}
}

func TestStore_FramesSorted(t *testing.T) {
	st, err := NewStore(context.Background(), t.TempDir(), "shot", S3Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	for _, frame := range []int{12, 3, 7} {
		if _, err := st.SaveFrame(context.Background(), frame, []byte("x")); err != nil {
			t.Fatalf("SaveFrame(%d): %v", frame, err)
		}
	}

	frames, err := st.Frames()
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	want := []string{"frame-0003.png", "frame-0007.png", "frame-0012.png"}
	if len(frames) != len(want) {
		t.Fatalf("frames: want %v, got %v", want, frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("frames: want %v, got %v", want, frames)
		}
	}
}

// fakeUploader captura PutObject sem tocar a rede.
type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeUploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func TestStore_ArchivesToS3(t *testing.T) {
	st, err := NewStore(context.Background(), t.TempDir(), "shot", S3Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	up := &fakeUploader{}
	st.uploader = up
	st.s3cfg = S3Config{Bucket: "archive", Prefix: "renders/"}

	if _, err := st.SaveFrame(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.keys) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(up.keys))
	}
	if up.keys[0] != "renders/shot/frame-0001.png" {
		t.Errorf("key: got %q", up.keys[0])
	}
}

func TestStore_UploadFailureKeepsLocalFrame(t *testing.T) {
	st, err := NewStore(context.Background(), t.TempDir(), "shot", S3Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	st.uploader = &fakeUploader{err: context.DeadlineExceeded}
	st.s3cfg = S3Config{Bucket: "archive"}

	path, err := st.SaveFrame(context.Background(), 2, []byte("x"))
	if err != nil {
		t.Fatalf("SaveFrame must not fail on archive error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("local frame missing after upload failure: %v", err)
	}
}
