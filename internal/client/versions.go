// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// Prepare pede ao node que provisione uma versão do Blender (download e
// extração acontecem lá; o progresso chega via eventos activity).
func (n *Node) Prepare(ctx context.Context, version string) error {
	var resp protocol.PrepareResponse
	err := n.request(ctx, protocol.TypePrepare,
		protocol.PrepareRequest{Version: version},
		protocol.TypePrepareResponse, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("node failed to prepare blender %s: %s", version, resp.Message)
	}

	n.mu.Lock()
	n.isPrepared = true
	n.mu.Unlock()
	n.addVersion(version)
	n.emit(FieldIsPrepared, true)
	return nil
}

// IsVersionAvailable sonda se o node já tem a versão instalada. Hits são
// cacheados por conexão (o node não desinstala versões durante a sessão);
// a queda do transporte descarta o cache.
func (n *Node) IsVersionAvailable(ctx context.Context, version string) (bool, error) {
	if n.HasVersion(version) {
		return true, nil
	}

	var resp protocol.IsVersionAvailableResponse
	err := n.request(ctx, protocol.TypeIsVersionAvailable,
		protocol.IsVersionAvailableRequest{Version: version},
		protocol.TypeIsVersionAvailableResponse, &resp)
	if err != nil {
		return false, err
	}
	if resp.Success {
		n.addVersion(version)
	}
	return resp.Success, nil
}

// IsBusy sonda a prontidão do node para receber um task.
func (n *Node) IsBusy(ctx context.Context) (bool, error) {
	var resp protocol.IsBusyResponse
	err := n.request(ctx, protocol.TypeIsBusy,
		protocol.IsBusyRequest{}, protocol.TypeIsBusyResponse, &resp)
	if err != nil {
		return false, err
	}
	return resp.IsBusy, nil
}
