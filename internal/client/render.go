// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// sendWithRecovery envia um request sobrevivendo a quedas de transporte:
// a cada ErrDisconnected, roda um ciclo de connectRecover reivindicando a
// sessão do próprio request e reenvia.
//
// budget > 0 limita os ciclos de reconexão; estourar o budget retorna
// ErrRecoverExhausted. budget == 0 é ilimitado, mas um connectRecover que
// esgote as próprias tentativas é terminal (ErrRecoverFailed) — é o que
// impede um batch de ficar preso para sempre num node morto.
func (n *Node) sendWithRecovery(ctx context.Context, budget int, sessionID, msgType string, req any, expectType string, resp any) error {
	var sessions []string
	if sessionID != "" {
		sessions = []string{sessionID}
	}

	cycles := 0
	for {
		err := n.request(ctx, msgType, req, expectType, resp)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDisconnected) {
			return err
		}

		cycles++
		if budget > 0 && cycles > budget {
			return fmt.Errorf("%w: %d reconnect cycles for %s", ErrRecoverExhausted, cycles, msgType)
		}

		n.logger.Warn("transport lost mid-request, recovering",
			"type", msgType, "cycle", cycles)

		rerr := n.ConnectRecover(ctx, 0, 0, sessions)
		if rerr != nil {
			if budget == 0 {
				return rerr
			}
			// Budget limitado: a próxima iteração falha rápido com
			// ErrDisconnected e consome mais um ciclo.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Render dispara o render de um frame e bloqueia até a resposta final.
// O progresso chega via eventos renderInfo enquanto o request está em
// voo. Um task por node: concorrente retorna ErrAlreadyRendering sem
// tocar o wire.
func (n *Node) Render(ctx context.Context, req protocol.RenderRequest) (*protocol.RenderResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.beginTask(req.TaskID, cancel); err != nil {
		return nil, err
	}
	defer n.endTask()

	if req.RenderType == "" {
		req.RenderType = n.RenderType()
	}

	n.setActivity("Render Loading..")
	n.setActivityProgress(-1)

	started := time.Now()
	var resp protocol.RenderResponse
	err := n.sendWithRecovery(ctx, n.opts.RenderAttempts, req.SessionID,
		protocol.TypeRender, req, protocol.TypeRenderResponse, &resp)
	if err != nil {
		n.setException(err.Error())
		return nil, err
	}

	if !resp.Success {
		n.setException(resp.Message)
		n.setLastStatus(fmt.Sprintf("Render failed: %s", resp.Message))
		return &resp, nil
	}

	elapsed := time.Since(started)
	pixels := float64(req.Settings.Width * req.Settings.Height)
	if err := n.UpdatePerformance(pixels, float64(elapsed.Milliseconds())); err != nil {
		n.logger.Debug("skipping performance update", "error", err)
	}

	n.setLastStatus(fmt.Sprintf("Rendered frame %d in %s", req.Settings.Frame, elapsed.Round(time.Millisecond)))
	return &resp, nil
}

// RenderBatch dispara o render de vários frames. Resultados individuais
// chegam como eventos renderBatchResult (ver OnBatchResult); o retorno
// fecha o batch. Budget de reconexão default ilimitado: batches longos
// sobrevivem a quantos flaps o recovery aguentar.
func (n *Node) RenderBatch(ctx context.Context, req protocol.RenderBatchRequest) (*protocol.RenderBatchResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.beginTask(req.TaskID, cancel); err != nil {
		return nil, err
	}
	defer n.endTask()

	if req.RenderType == "" {
		req.RenderType = n.RenderType()
	}

	n.setActivity("Render Loading..")
	n.setActivityProgress(-1)

	var resp protocol.RenderBatchResponse
	err := n.sendWithRecovery(ctx, n.opts.BatchAttempts, req.SessionID,
		protocol.TypeRenderBatch, req, protocol.TypeRenderBatchResponse, &resp)
	if err != nil {
		n.setException(err.Error())
		return nil, err
	}

	if !resp.Success {
		n.setException(resp.Message)
		n.setLastStatus(fmt.Sprintf("Batch failed: %s", resp.Message))
		return &resp, nil
	}

	n.setLastStatus(fmt.Sprintf("Batch complete: %d frames", resp.FramesRendered))
	return &resp, nil
}

// Peek inspeciona a cena no node sem renderizar (range de frames,
// resolução, câmeras). Ocupa o slot de task: o node carrega o arquivo.
func (n *Node) Peek(ctx context.Context, req protocol.BlenderPeekRequest) (*protocol.BlenderPeekResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.beginTask(req.TaskID, cancel); err != nil {
		return nil, err
	}
	defer n.endTask()

	n.setActivity("Render Loading..")
	n.setActivityProgress(-1)

	var resp protocol.BlenderPeekResponse
	err := n.sendWithRecovery(ctx, n.opts.RenderAttempts, req.SessionID,
		protocol.TypeBlenderPeek, req, protocol.TypeBlenderPeekResponse, &resp)
	if err != nil {
		n.setException(err.Error())
		return nil, err
	}
	return &resp, nil
}

// CancelRender aborta o task corrente: cancela o contexto do request em
// voo e avisa o node (oneway, melhor esforço — a conexão pode já ter
// caído, e nesse caso não há o que cancelar lá).
func (n *Node) CancelRender() {
	n.mu.Lock()
	cancel := n.taskCancel
	session := n.selectedSessionID
	n.mu.Unlock()

	if cancel == nil {
		return
	}

	if err := n.oneway(protocol.TypeCancelRender, protocol.CancelRenderRequest{SessionID: session}); err != nil {
		n.logger.Debug("cancel not delivered", "error", err)
	}
	cancel()
	n.setActivityProgress(-1)
	n.setLastStatus("Render cancelled")
}
