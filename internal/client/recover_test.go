// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

func TestConnectRecover_ReclaimsSessions(t *testing.T) {
	f := newFakeNode(t)
	var mu sync.Mutex
	var claimed []string
	f.handle(protocol.TypeRecover, func(f *fakeNode, conn net.Conn, req *protocol.Envelope) {
		var r protocol.RecoverRequest
		req.Decode(&r)
		mu.Lock()
		claimed = append(claimed, r.SessionIDs...)
		mu.Unlock()
		f.reply(conn, req, protocol.TypeRecoverResponse, protocol.RecoverResponse{Success: true})
	})

	n := newTestNode(t, f)
	defer n.Disconnect()
	connect(t, n)
	n.SelectSession("sess-1")
	n.markSynced("sess-1", 5)

	f.dropConn()
	waitFor(t, 2*time.Second, func() bool { return !n.Connected() },
		"node did not observe drop")
	if n.IsSessionSynced("sess-1") {
		t.Fatal("drop must reset syncedMap")
	}

	err := n.ConnectRecover(context.Background(), 3, time.Millisecond, []string{"sess-1"})
	if err != nil {
		t.Fatalf("ConnectRecover: %v", err)
	}

	if !n.Connected() {
		t.Error("expected reconnected")
	}
	// O recover devolve a sessão ao node, mas não prova que o arquivo
	// continua lá: sem checkSync, a sessão segue unsynced.
	if n.IsSessionSynced("sess-1") {
		t.Error("recover alone must not mark the session synced")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(claimed) != 1 || claimed[0] != "sess-1" {
		t.Errorf("claimed sessions: %v", claimed)
	}
}

// TestConnectRecover_RetriesThenSucceeds falha os dois primeiros dials;
// a terceira tentativa conecta.
func TestConnectRecover_RetriesThenSucceeds(t *testing.T) {
	f := newFakeNode(t)
	n := newTestNode(t, f)
	defer n.Disconnect()

	var mu sync.Mutex
	fails := 2
	realDial := f.dial
	n.dialFunc = func(ctx context.Context, address string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			return nil, errors.New("connection refused")
		}
		return realDial(ctx, address)
	}

	err := n.ConnectRecover(context.Background(), 3, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("ConnectRecover: %v", err)
	}
	if !n.Connected() {
		t.Error("expected connected after third attempt")
	}
}

func TestConnectRecover_Exhausts(t *testing.T) {
	f := newFakeNode(t)
	n := newTestNode(t, f)
	n.dialFunc = func(ctx context.Context, address string) (net.Conn, error) {
		return nil, errors.New("no route to host")
	}

	err := n.ConnectRecover(context.Background(), 3, time.Millisecond, []string{"sess-1"})
	if !errors.Is(err, ErrRecoverFailed) {
		t.Fatalf("expected ErrRecoverFailed, got %v", err)
	}
	if n.Connected() {
		t.Error("node must stay disconnected")
	}
}

func TestConnectRecover_NodeRefusesClaim(t *testing.T) {
	f := newFakeNode(t)
	f.handle(protocol.TypeRecover, respond(protocol.TypeRecoverResponse,
		protocol.RecoverResponse{Success: false, Message: "unknown session"}))

	n := newTestNode(t, f)
	err := n.ConnectRecover(context.Background(), 2, time.Millisecond, []string{"sess-gone"})
	if !errors.Is(err, ErrRecoverFailed) {
		t.Fatalf("expected ErrRecoverFailed, got %v", err)
	}
	if n.IsSessionSynced("sess-gone") {
		t.Error("refused claim must not mark session synced")
	}
}

func TestConnectRecover_ContextCancel(t *testing.T) {
	f := newFakeNode(t)
	n := newTestNode(t, f)
	n.dialFunc = func(ctx context.Context, address string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := n.ConnectRecover(ctx, 1000, 10*time.Millisecond, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
