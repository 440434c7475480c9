// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"errors"
	"fmt"
)

// Erros do client. Os paths de render tratam ErrDisconnected via recovery;
// todos os demais sobem para o caller.
var (
	// ErrDisconnected indica queda do transporte. Todo waiter pendente é
	// acordado com este erro quando o read loop termina.
	ErrDisconnected = errors.New("client: node disconnected")

	// ErrProtocol indica reply de tipo inesperado ou frame malformado.
	// Fatal para a conexão.
	ErrProtocol = errors.New("client: protocol error")

	// ErrOutdatedProtocol indica divergência de versão no handshake.
	ErrOutdatedProtocol = errors.New("client: outdated protocol")

	// ErrAuthFailed indica senha rejeitada (ou erro durante auth).
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrAlreadyRendering indica que o node já tem um task em andamento.
	// Precondição local: falha síncrona, nada chega ao wire.
	ErrAlreadyRendering = errors.New("client: render task already in flight")

	// ErrRecoverFailed indica que connectRecover esgotou as tentativas.
	ErrRecoverFailed = errors.New("client: session recovery failed")

	// ErrRecoverExhausted indica que o budget de ciclos de reconexão do
	// task controller acabou.
	ErrRecoverExhausted = errors.New("client: reconnect budget exhausted")

	// ErrInvalidMAC indica um MAC que não reduz a 12 dígitos hex.
	ErrInvalidMAC = errors.New("client: invalid MAC address")
)

// SyncError carrega a mensagem do node quando um sync falha
// (success=false no init, nak de chunk, ou verificação negada).
type SyncError struct {
	Message string
}

func (e *SyncError) Error() string {
	if e.Message == "" {
		return "client: sync failed"
	}
	return fmt.Sprintf("client: sync failed: %s", e.Message)
}
