// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-render/internal/protocol"
)

// Nomes de campos observáveis emitidos nas notificações de mudança.
// A camada de UI assina por nome; o core não assume framework nenhum.
const (
	FieldConnected          = "connected"
	FieldComputerName       = "computerName"
	FieldOS                 = "os"
	FieldCores              = "cores"
	FieldPerformanceScorePP = "performanceScorePP"
	FieldSelectedSessionID  = "selectedSessionId"
	FieldSynced             = "synced"
	FieldLastFileID         = "lastFileId"
	FieldActivity           = "activity"
	FieldActivityProgress   = "activityProgress"
	FieldException          = "exception"
	FieldLastStatus         = "lastStatus"
	FieldCurrentTaskID      = "currentTaskId"
	FieldIsPrepared         = "isPrepared"
	FieldLog                = "log"
)

// ChangeListener recebe (campo, novo valor) a cada mutação observável.
// É chamado fora dos mutexes do Node e pode ser invocado do read loop
// despachado; não deve bloquear.
type ChangeListener func(field string, value any)

// BatchResultListener recebe frames concluídos de um renderBatch.
type BatchResultListener func(ev protocol.RenderBatchResultEvent)

// NodeOptions parametriza budgets de retry e transferência de um Node.
// Zero values recebem defaults (ver DefaultNodeOptions).
type NodeOptions struct {
	// RenderAttempts limita ciclos de reconexão por render/peek.
	// 0 = ilimitado (política usada pelo renderBatch).
	RenderAttempts int

	// BatchAttempts limita ciclos de reconexão por renderBatch.
	// Default 0 = ilimitado; batches longos sobrevivem a vários flaps.
	BatchAttempts int

	// RecoverAttempts e RecoverInterval parametrizam cada connectRecover.
	RecoverAttempts int
	RecoverInterval time.Duration

	// MaxUploadRate limita o upload de sync em bytes/s. 0 = sem limite.
	MaxUploadRate int64

	Logger *slog.Logger
}

// DefaultNodeOptions retorna os budgets padrão do task controller.
func DefaultNodeOptions() NodeOptions {
	return NodeOptions{
		RenderAttempts:  3,
		RecoverAttempts: 5,
		RecoverInterval: time.Second,
	}
}

// Node é o registro observável de um render node e a máquina de estados
// da sessão client-side: identidade, capacidade, mapa de sync por sessão,
// atividade corrente e último erro. Um Node é dono exclusivo da sua
// Connection enquanto conectado.
type Node struct {
	// Identidade configurada (imutável após construção).
	Name    string
	Address string

	mu sync.Mutex

	// Identidade e capacidade reportadas pelo node.
	computerName string
	osName       string
	cores        int

	renderType  string
	performance float64
	// performanceScorePP é pixels/ms, recalculado após cada render.
	performanceScorePP float64

	pass string
	mac  string

	selectedSessionID string
	synced            map[string]bool
	lastFileID        int64
	availableVersions map[string]struct{}

	activity         string
	activityProgress float64
	exception        string
	lastStatus       string
	currentTaskID    string
	isPrepared       bool

	// taskCancel é o cancel handle do task em andamento.
	taskCancel context.CancelFunc

	// logBuf acumula o console remoto; append-only, lido como snapshot.
	logBuf []string

	listeners      map[*changeListener]struct{}
	batchListeners map[*batchListener]struct{}

	conn      *Connection
	connected bool

	// dialFunc é substituível em testes.
	dialFunc func(ctx context.Context, address string) (net.Conn, error)
	// wakeFunc emite o magic packet; substituível em testes.
	wakeFunc func(mac string) error

	opts   NodeOptions
	logger *slog.Logger
}

type changeListener struct{ fn ChangeListener }
type batchListener struct{ fn BatchResultListener }

// NewNode constrói um Node destacado (sem conexão).
func NewNode(name, address, pass, mac, renderType string, performance float64, opts NodeOptions) *Node {
	def := DefaultNodeOptions()
	if opts.RenderAttempts == 0 {
		opts.RenderAttempts = def.RenderAttempts
	}
	if opts.RecoverAttempts == 0 {
		opts.RecoverAttempts = def.RecoverAttempts
	}
	if opts.RecoverInterval == 0 {
		opts.RecoverInterval = def.RecoverInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		Name:              name,
		Address:           address,
		pass:              pass,
		mac:               mac,
		renderType:        renderType,
		performance:       performance,
		cores:             -1,
		activityProgress:  -1,
		synced:            make(map[string]bool),
		availableVersions: make(map[string]struct{}),
		listeners:         make(map[*changeListener]struct{}),
		batchListeners:    make(map[*batchListener]struct{}),
		dialFunc:          dialNode,
		wakeFunc:          SendWake,
		opts:              opts,
		logger:            logger.With("component", "node", "node", name),
	}
}

// Subscribe registra um listener de mudanças e retorna o unsubscribe.
func (n *Node) Subscribe(fn ChangeListener) (unsubscribe func()) {
	l := &changeListener{fn: fn}
	n.mu.Lock()
	n.listeners[l] = struct{}{}
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.listeners, l)
		n.mu.Unlock()
	}
}

// OnBatchResult registra um listener de resultados de batch.
// Eventos são repassados intactos, na ordem do wire.
func (n *Node) OnBatchResult(fn BatchResultListener) (unsubscribe func()) {
	l := &batchListener{fn: fn}
	n.mu.Lock()
	n.batchListeners[l] = struct{}{}
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.batchListeners, l)
		n.mu.Unlock()
	}
}

// emit notifica listeners fora do mutex.
func (n *Node) emit(field string, value any) {
	n.mu.Lock()
	ls := make([]*changeListener, 0, len(n.listeners))
	for l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.Unlock()
	for _, l := range ls {
		l.fn(field, value)
	}
}

// Connected indica se existe Connection com transporte aberto.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// ComputerName retorna o nome reportado no ComputerInfo.
func (n *Node) ComputerName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.computerName
}

// OS retorna o sistema operacional do node.
func (n *Node) OS() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.osName
}

// Cores retorna o número de cores do node (-1 = desconhecido).
func (n *Node) Cores() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cores
}

// RenderType retorna o device configurado (CPU, CUDA, ...).
func (n *Node) RenderType() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.renderType
}

// Performance retorna o peso configurado pelo usuário. Valores <= 0
// significam "use o core count".
func (n *Node) Performance() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.performance <= 0 {
		return float64(n.cores)
	}
	return n.performance
}

// PerformanceScorePP retorna o score medido em pixels/ms.
func (n *Node) PerformanceScorePP() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.performanceScorePP
}

// UpdatePerformance recalcula o score após um render: pixels/ms.
// ms precisa ser > 0; a divisão é indefinida caso contrário.
func (n *Node) UpdatePerformance(pixels, ms float64) error {
	if ms <= 0 {
		return fmt.Errorf("updating performance: ms must be > 0, got %v", ms)
	}
	n.mu.Lock()
	n.performanceScorePP = pixels / ms
	score := n.performanceScorePP
	n.mu.Unlock()
	n.emit(FieldPerformanceScorePP, score)
	return nil
}

// SelectedSessionID retorna a sessão ativa escolhida pelo caller.
func (n *Node) SelectedSessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selectedSessionID
}

// SelectSession define a sessão ativa (uma por node).
func (n *Node) SelectSession(sessionID string) {
	n.mu.Lock()
	n.selectedSessionID = sessionID
	n.mu.Unlock()
	n.emit(FieldSelectedSessionID, sessionID)
}

// IsSessionSynced indica se uma sessão foi verificada pelo node.
func (n *Node) IsSessionSynced(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.synced[sessionID]
}

// IsSynced é derivado: sessão selecionada verificada.
func (n *Node) IsSynced() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.synced[n.selectedSessionID]
}

// LastFileID retorna a última versão de arquivo verificada.
func (n *Node) LastFileID() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastFileID
}

// markSynced registra uma verificação positiva do node para o par
// (sessionId, fileId). lastFileID só avança aqui — nunca otimisticamente.
func (n *Node) markSynced(sessionID string, fileID int64) {
	n.mu.Lock()
	n.synced[sessionID] = true
	n.lastFileID = fileID
	n.mu.Unlock()
	n.emit(FieldSynced, true)
	n.emit(FieldLastFileID, fileID)
}

func (n *Node) markUnsynced(sessionID string) {
	n.mu.Lock()
	n.synced[sessionID] = false
	n.mu.Unlock()
	n.emit(FieldSynced, false)
}

// HasVersion indica se a versão consta no cache da conexão corrente.
func (n *Node) HasVersion(version string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.availableVersions[version]
	return ok
}

func (n *Node) addVersion(version string) {
	n.mu.Lock()
	n.availableVersions[version] = struct{}{}
	n.mu.Unlock()
}

// Activity retorna o label de atividade corrente ("" = idle).
func (n *Node) Activity() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activity
}

// IsIdle é derivado: atividade vazia.
func (n *Node) IsIdle() bool {
	return n.Activity() == ""
}

// ActivityProgress retorna o progresso (0–100, -1 = indeterminado).
func (n *Node) ActivityProgress() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activityProgress
}

// HasActivityProgress é derivado: progresso determinado e positivo.
func (n *Node) HasActivityProgress() bool {
	return n.ActivityProgress() > 0
}

func (n *Node) setActivity(activity string) {
	n.mu.Lock()
	changed := n.activity != activity
	n.activity = activity
	n.mu.Unlock()
	if changed {
		n.emit(FieldActivity, activity)
	}
}

func (n *Node) setActivityProgress(progress float64) {
	n.mu.Lock()
	n.activityProgress = progress
	n.mu.Unlock()
	n.emit(FieldActivityProgress, progress)
}

// clearActivity reseta label e progresso; usado como release em defer
// em todo caminho de saída de operações que mutam a atividade.
func (n *Node) clearActivity() {
	n.setActivity("")
	n.setActivityProgress(-1)
}

// Exception retorna o último erro visível ("" = nenhum).
func (n *Node) Exception() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exception
}

func (n *Node) setException(text string) {
	n.mu.Lock()
	n.exception = text
	n.mu.Unlock()
	n.emit(FieldException, text)
}

// ClearException limpa o último erro visível.
func (n *Node) ClearException() {
	n.setException("")
}

// LastStatus retorna o último status reportado.
func (n *Node) LastStatus() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastStatus
}

func (n *Node) setLastStatus(status string) {
	n.mu.Lock()
	n.lastStatus = status
	n.mu.Unlock()
	n.emit(FieldLastStatus, status)
}

// CurrentTaskID retorna o task em andamento ("" = nenhum).
func (n *Node) CurrentTaskID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTaskID
}

// IsPrepared indica se um Prepare já concluiu nesta conexão.
func (n *Node) IsPrepared() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isPrepared
}

// Log retorna um snapshot do buffer de console remoto.
func (n *Node) Log() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.logBuf))
	copy(out, n.logBuf)
	return out
}

func (n *Node) appendLog(line string) {
	n.mu.Lock()
	n.logBuf = append(n.logBuf, line)
	n.mu.Unlock()
	n.emit(FieldLog, line)
}

// beginTask reserva o slot único de task do node.
func (n *Node) beginTask(taskID string, cancel context.CancelFunc) error {
	n.mu.Lock()
	if n.currentTaskID != "" {
		n.mu.Unlock()
		return fmt.Errorf("%w: task %s in flight", ErrAlreadyRendering, n.currentTaskID)
	}
	n.currentTaskID = taskID
	n.taskCancel = cancel
	n.mu.Unlock()
	n.emit(FieldCurrentTaskID, taskID)
	return nil
}

// endTask libera o slot e solta o cancel handle. Roda em defer em todo
// caminho de saída do task controller.
func (n *Node) endTask() {
	n.mu.Lock()
	n.currentTaskID = ""
	n.taskCancel = nil
	n.mu.Unlock()
	n.emit(FieldCurrentTaskID, "")
	n.clearActivity()
}

// handleEvent despacha mensagens não solicitadas do node. Roda no
// dispatcher da Connection (fora do read loop), na ordem do wire.
func (n *Node) handleEvent(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRenderInfo:
		var ev protocol.RenderInfoEvent
		if err := env.Decode(&ev); err != nil {
			n.logger.Warn("bad renderInfo event", "error", err)
			return
		}
		// Filtra eventos de tasks antigos antes de tocar a atividade.
		if ev.TaskID != n.CurrentTaskID() {
			return
		}
		n.setActivity(fmt.Sprintf("Rendering (%d/%d)", ev.TilesFinished, ev.TilesTotal))
		if ev.TilesTotal > 0 {
			n.setActivityProgress(float64(ev.TilesFinished) / float64(ev.TilesTotal) * 100)
		}

	case protocol.TypeRenderBatchResult:
		var ev protocol.RenderBatchResultEvent
		if err := env.Decode(&ev); err != nil {
			n.logger.Warn("bad renderBatchResult event", "error", err)
			return
		}
		n.mu.Lock()
		ls := make([]*batchListener, 0, len(n.batchListeners))
		for l := range n.batchListeners {
			ls = append(ls, l)
		}
		n.mu.Unlock()
		for _, l := range ls {
			l.fn(ev)
		}

	case protocol.TypeActivity:
		var ev protocol.ActivityEvent
		if err := env.Decode(&ev); err != nil {
			n.logger.Warn("bad activity event", "error", err)
			return
		}
		n.setActivity(ev.Activity)
		n.setActivityProgress(ev.Progress)

	case protocol.TypeConsoleActivity:
		var ev protocol.ConsoleActivityEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		n.appendLog(ev.Output)

	case protocol.TypeDisconnected:
		var ev protocol.DisconnectedEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		n.logger.Info("node announced disconnect", "isError", ev.IsError, "reason", ev.Reason)
		if ev.IsError {
			n.setException(ev.Reason)
		}
		n.setLastStatus(ev.Reason)

	default:
		n.logger.Debug("unhandled event", "type", env.Type)
	}
}

// handleDisconnected roda uma vez por queda de transporte. Limpa o estado
// por-conexão: todo syncedMap vai para false e o cache de versões é
// descartado (re-consultado sob demanda na próxima conexão).
func (n *Node) handleDisconnected(err error) {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return
	}
	n.connected = false
	n.conn = nil
	for s := range n.synced {
		n.synced[s] = false
	}
	n.availableVersions = make(map[string]struct{})
	n.isPrepared = false
	n.mu.Unlock()

	n.logger.Info("node disconnected", "error", err)
	n.emit(FieldConnected, false)
	n.emit(FieldSynced, false)
	n.emit(FieldIsPrepared, false)
}

// request roteia um request pela conexão corrente.
func (n *Node) request(ctx context.Context, msgType string, req any, expectType string, resp any) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return conn.Request(ctx, msgType, req, expectType, resp)
}

// oneway roteia um frame sem resposta pela conexão corrente.
func (n *Node) oneway(msgType string, req any) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return conn.SendOneway(msgType, req)
}
