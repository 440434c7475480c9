// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// fakeHandler processa um request no node falso. O handler escreve a
// resposta (e eventos) direto na conn via f.reply/f.event.
type fakeHandler func(f *fakeNode, conn net.Conn, req *protocol.Envelope)

// respond é o handler trivial: responde replyType com payload fixo.
func respond(replyType string, payload any) fakeHandler {
	return func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		f.reply(conn, req, replyType, payload)
	}
}

// fakeNode simula um render node sobre net.Pipe. Cada dial cria um pipe
// novo com um serve loop próprio, então testes de recovery funcionam:
// derrubar a conn corrente e reconectar produz uma sessão nova.
type fakeNode struct {
	t *testing.T

	mu       sync.Mutex
	handlers map[string]fakeHandler
	current  net.Conn
	writeMu  sync.Mutex
	dials    int
}

// newFakeNode cria um node falso com o handshake default instalado:
// protocolo corrente, senha "secret", identidade node-01/linux/16 cores.
func newFakeNode(t *testing.T) *fakeNode {
	f := &fakeNode{t: t, handlers: make(map[string]fakeHandler)}

	f.handle(protocol.TypeCheckProtocol, respond(protocol.TypeCheckProtocolResponse,
		protocol.CheckProtocolResponse{ProtocolVersion: protocol.ProtocolVersion, RequireAuth: true}))
	f.handle(protocol.TypeAuth, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		var auth protocol.AuthRequest
		if err := req.Decode(&auth); err != nil {
			t.Errorf("decoding auth: %v", err)
		}
		f.reply(conn, req, protocol.TypeAuthResponse,
			protocol.AuthResponse{IsAuthenticated: auth.Pass == "secret"})
	})
	f.handle(protocol.TypeComputerInfo, respond(protocol.TypeComputerInfoResponse,
		protocol.ComputerInfoResponse{Name: "node-01", OS: "linux", Cores: 16}))

	return f
}

func (f *fakeNode) handle(msgType string, h fakeHandler) {
	f.mu.Lock()
	f.handlers[msgType] = h
	f.mu.Unlock()
}

// dial é injetado em Node.dialFunc.
func (f *fakeNode) dial(ctx context.Context, address string) (net.Conn, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	f.current = server
	f.dials++
	f.mu.Unlock()
	go f.serve(server)
	return client, nil
}

func (f *fakeNode) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeNode) serve(conn net.Conn) {
	for {
		env, err := protocol.ReadEnvelope(conn, 0)
		if err != nil {
			return
		}
		f.mu.Lock()
		h := f.handlers[env.Type]
		f.mu.Unlock()
		if h == nil {
			continue // oneway ou tipo sem handler
		}
		h(f, conn, env)
	}
}

func (f *fakeNode) reply(conn net.Conn, req *protocol.Envelope, replyType string, payload any) {
	env, err := protocol.NewEnvelope(replyType, 0, req.ID, payload)
	if err != nil {
		f.t.Errorf("building %s reply: %v", replyType, err)
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = protocol.WriteEnvelope(conn, env)
}

// event envia um frame não solicitado na conn corrente.
func (f *fakeNode) event(msgType string, payload any) {
	f.mu.Lock()
	conn := f.current
	f.mu.Unlock()
	if conn == nil {
		f.t.Fatal("no current connection for event")
	}
	env, err := protocol.NewEnvelope(msgType, 0, 0, payload)
	if err != nil {
		f.t.Fatalf("building %s event: %v", msgType, err)
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = protocol.WriteEnvelope(conn, env)
}

// dropConn derruba a conn corrente, simulando queda de rede.
func (f *fakeNode) dropConn() {
	f.mu.Lock()
	conn := f.current
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestNode cria um Node ligado ao fake, com budgets pequenos e
// intervalos curtos para os testes de recovery não dormirem de verdade.
func newTestNode(t *testing.T, f *fakeNode) *Node {
	n := NewNode("node-01", "10.0.0.5:7777", "secret", "", protocol.RenderTypeCPU, 0, NodeOptions{
		RenderAttempts:  3,
		RecoverAttempts: 2,
		RecoverInterval: time.Millisecond,
		Logger:          discardLogger(),
	})
	n.dialFunc = f.dial
	n.wakeFunc = func(string) error { return nil }
	return n
}

// connect conecta ou falha o teste.
func connect(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// waitFor espera uma condição virar verdadeira (eventos são assíncronos).
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
