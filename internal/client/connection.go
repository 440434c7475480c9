// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa o núcleo de coordenação do lado do client:
// sessão por render node, codec de mensagens correlacionadas, pipeline de
// sync de arquivos, controller de render tasks e recovery automático.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// eventQueueSize dimensiona a fila de eventos entre o read loop e o
// dispatcher. Eventos nunca são processados no read loop.
const eventQueueSize = 256

// pendingCall é um waiter registrado na tabela de correlação.
type pendingCall struct {
	expectType string
	ch         chan *protocol.Envelope
}

// Connection é dona de um transporte para um node: roda o read loop,
// demultiplexa replies (por correlation id) de eventos, serializa writes
// e acorda todos os waiters com ErrDisconnected quando o transporte cai.
//
// O dispatch de eventos roda em goroutine própria, preservando a ordem
// do wire sem bloquear o read loop.
type Connection struct {
	conn   net.Conn
	logger *slog.Logger

	// writeMu serializa writes: um frame outbound por vez.
	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]pendingCall
	closed   bool
	closeErr error

	events  chan *protocol.Envelope
	onEvent func(env *protocol.Envelope)

	// onDisconnected dispara exatamente uma vez por ciclo de vida.
	onDisconnected func(err error)
	closeOnce      sync.Once

	wg sync.WaitGroup
}

// NewConnection cria uma Connection sobre um transporte já aberto.
// onEvent recebe mensagens não solicitadas do node; onDisconnected é
// chamado uma única vez quando o transporte morre (por erro ou Close).
// Start() precisa ser chamado antes do primeiro Request.
func NewConnection(conn net.Conn, logger *slog.Logger, onEvent func(*protocol.Envelope), onDisconnected func(error)) *Connection {
	return &Connection{
		conn:           conn,
		logger:         logger.With("component", "connection", "remote", conn.RemoteAddr().String()),
		nextID:         1,
		pending:        make(map[uint64]pendingCall),
		events:         make(chan *protocol.Envelope, eventQueueSize),
		onEvent:        onEvent,
		onDisconnected: onDisconnected,
	}
}

// Start inicia o read loop e o dispatcher de eventos.
func (c *Connection) Start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.eventLoop()
}

// SendOneway escreve um frame sem esperar resposta.
func (c *Connection) SendOneway(msgType string, req any) error {
	env, err := protocol.NewEnvelope(msgType, 0, 0, req)
	if err != nil {
		return err
	}
	return c.write(env)
}

// Request envia um request e bloqueia até a resposta correlacionada
// chegar, o contexto cancelar, ou o transporte cair. Um reply com tipo
// diferente de expectType é erro de protocolo e encerra a conexão.
func (c *Connection) Request(ctx context.Context, msgType string, req any, expectType string, resp any) error {
	id, ch, err := c.reserve(expectType)
	if err != nil {
		return err
	}

	env, err := protocol.NewEnvelope(msgType, id, 0, req)
	if err != nil {
		c.release(id)
		return err
	}

	if err := c.write(env); err != nil {
		c.release(id)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case <-ctx.Done():
		c.release(id)
		return ctx.Err()

	case reply, ok := <-ch:
		if !ok {
			// Canal fechado pelo drain: transporte caiu.
			return c.terminalError()
		}
		if resp != nil {
			if err := reply.Decode(resp); err != nil {
				// Payload que não decodifica é tão fatal quanto um reply
				// de tipo errado: o wire não é mais confiável.
				perr := fmt.Errorf("%w: %v", ErrProtocol, err)
				c.teardown(perr)
				return perr
			}
		}
		return nil
	}
}

// Close derruba o transporte. O read loop termina com erro de leitura e
// o teardown acorda os waiters e notifica onDisconnected.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Wait bloqueia até o read loop e o dispatcher terminarem.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteEnvelope(c.conn, env)
}

func (c *Connection) reserve(expectType string) (uint64, chan *protocol.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, c.closeErr
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *protocol.Envelope, 1)
	c.pending[id] = pendingCall{expectType: expectType, ch: ch}
	return id, ch, nil
}

// release remove um waiter cancelado. Replies tardios para ids liberados
// são descartados pelo read loop.
func (c *Connection) release(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrDisconnected
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	// O read loop é o único produtor de c.events; fechar aqui libera o
	// dispatcher depois que a fila drenar.
	defer close(c.events)

	for {
		env, err := protocol.ReadEnvelope(c.conn, protocol.MaxFrameSize)
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}

		if env.ResponseTo == 0 {
			if env.IsEvent() {
				c.events <- env
				continue
			}
			// Request do node para o client não existe neste protocolo.
			c.logger.Warn("dropping unexpected inbound request", "type", env.Type)
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[env.ResponseTo]
		if ok {
			delete(c.pending, env.ResponseTo)
		}
		c.mu.Unlock()

		if !ok {
			// Reply tardio de um request cancelado.
			c.logger.Debug("dropping late reply", "type", env.Type, "responseTo", env.ResponseTo)
			continue
		}

		if call.expectType != "" && env.Type != call.expectType {
			c.logger.Error("reply type mismatch, terminating connection",
				"expected", call.expectType, "got", env.Type)
			c.teardown(fmt.Errorf("%w: expected %s reply, got %s", ErrProtocol, call.expectType, env.Type))
			// O waiter já saiu da tabela antes do drain; acorda aqui.
			close(call.ch)
			return
		}

		call.ch <- env
	}
}

func (c *Connection) eventLoop() {
	defer c.wg.Done()
	for env := range c.events {
		c.onEvent(env)
	}
}

// teardown fecha o transporte, dispara onDisconnected exatamente uma vez
// e então drena a tabela de pendentes acordando cada waiter. A ordem
// importa: quando um waiter acorda com ErrDisconnected, o estado do Node
// já reflete a queda — o recovery que ele disparar não vê a conexão morta
// como viva.
func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.conn.Close()

		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[uint64]pendingCall)
		c.mu.Unlock()

		c.logger.Debug("connection closed", "error", err)
		if c.onDisconnected != nil {
			c.onDisconnected(err)
		}
		for _, call := range pending {
			close(call.ch)
		}
	})
}
