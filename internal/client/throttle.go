// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter (256KB).
// Bursts pequenos suavizam o consumo de banda dentro de cada chunk de sync.
const maxBurstSize = 256 * 1024

// uploadLimiter controla a taxa de upload do sync com token bucket.
// Um limiter nil significa sem limite.
type uploadLimiter struct {
	limiter *rate.Limiter
}

// newUploadLimiter cria um limiter para bytesPerSec bytes/segundo.
// Se bytesPerSec <= 0, retorna nil (bypass).
func newUploadLimiter(bytesPerSec int64) *uploadLimiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &uploadLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// waitN bloqueia até o bucket liberar n bytes, consumindo em pedaços de
// até um burst para evitar reservas enormes.
func (ul *uploadLimiter) waitN(ctx context.Context, n int) error {
	if ul == nil {
		return nil
	}

	for n > 0 {
		chunk := n
		if chunk > ul.limiter.Burst() {
			chunk = ul.limiter.Burst()
		}
		if err := ul.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
