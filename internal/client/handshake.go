// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// dialNode abre o transporte TCP para um node.
func dialNode(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return conn, nil
}

// Connect estabelece a sessão com o node: wake-on-LAN (se houver MAC),
// dial TCP e handshake em três fases — checkProtocol, auth (se exigida)
// e computerInfo. No-op se já conectado.
//
// Qualquer falha de handshake derruba o transporte antes de retornar;
// o Node nunca fica "meio conectado".
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.connected {
		n.mu.Unlock()
		return nil
	}
	mac := n.mac
	n.mu.Unlock()

	// Melhor esforço: um node já acordado ignora o magic packet, e um
	// erro de WoL não impede o dial (o node pode estar ligado).
	if mac != "" {
		if err := n.wakeFunc(mac); err != nil {
			n.logger.Warn("wake-on-lan failed", "error", err)
		}
	}

	raw, err := n.dialFunc(ctx, n.Address)
	if err != nil {
		n.setException(err.Error())
		return err
	}

	conn := NewConnection(raw, n.logger, n.handleEvent, n.handleDisconnected)
	conn.Start()

	if err := n.handshake(ctx, conn); err != nil {
		conn.Close()
		conn.Wait()
		n.setException(err.Error())
		return err
	}

	n.mu.Lock()
	n.conn = conn
	n.connected = true
	n.mu.Unlock()

	n.logger.Info("node connected", "address", n.Address)
	n.emit(FieldConnected, true)
	n.setLastStatus("Connected")
	return nil
}

// handshake roda as três fases sobre uma Connection recém-aberta.
func (n *Node) handshake(ctx context.Context, conn *Connection) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var check protocol.CheckProtocolResponse
	err := conn.Request(ctx, protocol.TypeCheckProtocol, protocol.CheckProtocolRequest{
		ClientMajor:     protocol.ClientMajor,
		ClientMinor:     protocol.ClientMinor,
		ClientPatch:     protocol.ClientPatch,
		ProtocolVersion: protocol.ProtocolVersion,
	}, protocol.TypeCheckProtocolResponse, &check)
	if err != nil {
		return fmt.Errorf("protocol check: %w", err)
	}
	if check.ProtocolVersion != protocol.ProtocolVersion {
		return fmt.Errorf("%w: client speaks v%d, node speaks v%d",
			ErrOutdatedProtocol, protocol.ProtocolVersion, check.ProtocolVersion)
	}

	if check.RequireAuth {
		n.mu.Lock()
		pass := n.pass
		n.mu.Unlock()

		var auth protocol.AuthResponse
		err := conn.Request(ctx, protocol.TypeAuth, protocol.AuthRequest{Pass: pass},
			protocol.TypeAuthResponse, &auth)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		if !auth.IsAuthenticated {
			return ErrAuthFailed
		}
	}

	var info protocol.ComputerInfoResponse
	err = conn.Request(ctx, protocol.TypeComputerInfo, protocol.ComputerInfoRequest{},
		protocol.TypeComputerInfoResponse, &info)
	if err != nil {
		return fmt.Errorf("computer info: %w", err)
	}

	n.mu.Lock()
	n.computerName = info.Name
	n.osName = info.OS
	n.cores = info.Cores
	n.mu.Unlock()
	n.emit(FieldComputerName, info.Name)
	n.emit(FieldOS, info.OS)
	n.emit(FieldCores, info.Cores)

	return nil
}

// Disconnect encerra a sessão de forma ordenada. O teardown da Connection
// cuida do resto (waiters, syncedMap, notificações).
func (n *Node) Disconnect() error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	conn.Wait()
	return err
}
