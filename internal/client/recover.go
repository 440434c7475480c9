// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// ConnectRecover tenta restabelecer a sessão após uma queda: reconecta
// (com handshake completo) e reivindica as sessões nomeadas via recover.
// Tenta até attempts vezes com interval entre elas; se todas falharem,
// retorna ErrRecoverFailed embrulhando a última causa.
//
// sessionIDs vazio degenera em "reconectar apenas".
func (n *Node) ConnectRecover(ctx context.Context, attempts int, interval time.Duration, sessionIDs []string) error {
	if attempts <= 0 {
		attempts = n.opts.RecoverAttempts
	}
	if interval <= 0 {
		interval = n.opts.RecoverInterval
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		n.logger.Info("attempting session recovery", "attempt", attempt, "of", attempts)

		if err := n.Connect(ctx); err != nil {
			lastErr = err
			continue
		}

		if len(sessionIDs) == 0 {
			return nil
		}

		var resp protocol.RecoverResponse
		err := n.request(ctx, protocol.TypeRecover,
			protocol.RecoverRequest{SessionIDs: sessionIDs},
			protocol.TypeRecoverResponse, &resp)
		if err != nil {
			lastErr = err
			// Recover falhou nesta conexão; derruba e tenta do zero.
			n.Disconnect()
			continue
		}
		if !resp.Success {
			lastErr = fmt.Errorf("node refused recovery: %s", resp.Message)
			n.Disconnect()
			continue
		}

		// O recover restaura apenas a identidade da sessão no node. O
		// syncedMap continua false: só um checkSync (ou re-sync, que cai
		// no fast path sameFile) volta a marcar a sessão como synced.
		n.logger.Info("session recovery succeeded", "sessions", len(sessionIDs), "attempt", attempt)
		return nil
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrRecoverFailed, attempts, lastErr)
}
