// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"testing"
	"time"
)

func TestUploadLimiter_BypassWhenUnlimited(t *testing.T) {
	if newUploadLimiter(0) != nil {
		t.Error("rate 0 must bypass")
	}
	if newUploadLimiter(-1) != nil {
		t.Error("negative rate must bypass")
	}

	// nil limiter nunca bloqueia.
	var ul *uploadLimiter
	if err := ul.waitN(context.Background(), 1<<20); err != nil {
		t.Fatalf("nil limiter waitN: %v", err)
	}
}

func TestUploadLimiter_CapsBurst(t *testing.T) {
	ul := newUploadLimiter(10 * 1024 * 1024)
	if ul.limiter.Burst() != maxBurstSize {
		t.Errorf("burst: want %d, got %d", maxBurstSize, ul.limiter.Burst())
	}

	ul = newUploadLimiter(1024)
	if ul.limiter.Burst() != 1024 {
		t.Errorf("small rate burst: want 1024, got %d", ul.limiter.Burst())
	}
}

// TestUploadLimiter_Throttles mede que esperar por 3x o burst em um
// limiter de 1 burst/s leva pelo menos ~2s de tokens (margem frouxa para
// não flocar em CI).
func TestUploadLimiter_Throttles(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	ul := newUploadLimiter(100 * 1024) // 100KB/s, burst 100KB
	start := time.Now()
	if err := ul.waitN(context.Background(), 300*1024); err != nil {
		t.Fatalf("waitN: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("expected >=1.5s of throttling, got %v", elapsed)
	}
}

func TestUploadLimiter_ContextCancel(t *testing.T) {
	ul := newUploadLimiter(1024) // 1KB/s

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ul.waitN(ctx, 100*1024)
	if err == nil {
		t.Fatal("expected context error")
	}
}
