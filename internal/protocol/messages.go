// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de mensagens tipadas N-Render
// para comunicação entre o client coordenador e os render nodes sobre TCP.
package protocol

import "errors"

// ProtocolVersion é a versão atual do protocolo. Client e node precisam
// concordar exatamente; qualquer divergência encerra a conexão.
const ProtocolVersion = 4

// Versão do client, enviada no CheckProtocol para diagnóstico no node.
const (
	ClientMajor = 1
	ClientMinor = 1
	ClientPatch = 3
)

// Tipos de mensagem (discriminador do envelope).
const (
	TypeCheckProtocol              = "checkProtocol"
	TypeCheckProtocolResponse      = "checkProtocolResponse"
	TypeAuth                       = "auth"
	TypeAuthResponse               = "authResponse"
	TypeComputerInfo               = "computerInfo"
	TypeComputerInfoResponse       = "computerInfoResponse"
	TypePrepare                    = "prepare"
	TypePrepareResponse            = "prepareResponse"
	TypeIsVersionAvailable         = "isVersionAvailable"
	TypeIsVersionAvailableResponse = "isVersionAvailableResponse"
	TypeSyncStart                  = "syncStart"
	TypeSyncResponse               = "syncResponse"
	TypeSyncUpload                 = "syncUpload"
	TypeSyncUploadResponse         = "syncUploadResponse"
	TypeSyncComplete               = "syncComplete"
	TypeSyncCompleteResponse       = "syncCompleteResponse"
	TypeSyncNetwork                = "syncNetwork"
	TypeCheckSync                  = "checkSync"
	TypeCheckSyncResponse          = "checkSyncResponse"
	TypeRender                     = "render"
	TypeRenderResponse             = "renderResponse"
	TypeRenderBatch                = "renderBatch"
	TypeRenderBatchResponse        = "renderBatchResponse"
	TypeBlenderPeek                = "blenderPeek"
	TypeBlenderPeekResponse        = "blenderPeekResponse"
	TypeIsBusy                     = "isBusy"
	TypeIsBusyResponse             = "isBusyResponse"
	TypeCancelRender               = "cancelRender"
	TypeRecover                    = "recover"
	TypeRecoverResponse            = "recoverResponse"

	// Eventos não solicitados (node → client, id=0).
	TypeRenderInfo        = "renderInfo"
	TypeRenderBatchResult = "renderBatchResult"
	TypeActivity          = "activity"
	TypeConsoleActivity   = "consoleActivity"
	TypeDisconnected      = "disconnected"
)

// Modos de compressão para sync de arquivos de cena.
const (
	CompressionNone = ""
	CompressionGzip = "gzip" // pgzip paralelo
	CompressionZstd = "zstd" // klauspost/compress
)

// Render types conhecidos. O valor é opaco para o client: apenas
// repassado ao node, que decide se suporta o device.
const (
	RenderTypeCPU   = "CPU"
	RenderTypeCUDA  = "CUDA"
	RenderTypeOptiX = "OPTIX"
	RenderTypeHIP   = "HIP"
	RenderTypeMetal = "METAL"
)

// Erros do protocolo.
var (
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds maximum size")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrInvalidFrame   = errors.New("protocol: invalid frame")
)

// CheckProtocolRequest abre todo handshake. O node compara apenas
// protocolVersion; major/minor/patch servem para log e diagnóstico.
type CheckProtocolRequest struct {
	ClientMajor     int `json:"clientMajor"`
	ClientMinor     int `json:"clientMinor"`
	ClientPatch     int `json:"clientPatch"`
	ProtocolVersion int `json:"protocolVersion"`
}

// CheckProtocolResponse informa a versão do node e se ele exige senha.
type CheckProtocolResponse struct {
	ProtocolVersion int  `json:"protocolVersion"`
	RequireAuth     bool `json:"requireAuth"`
}

// AuthRequest carrega a senha em claro (o protocolo é explicitamente
// inseguro; ver AuthResponse).
type AuthRequest struct {
	Pass string `json:"pass"`
}

// AuthResponse indica se o node aceitou a senha.
type AuthResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
}

// ComputerInfoRequest consulta identidade e capacidade do node.
type ComputerInfoRequest struct{}

// ComputerInfoResponse descreve a máquina remota.
type ComputerInfoResponse struct {
	Name  string `json:"name"`
	OS    string `json:"os"`
	Cores int    `json:"cores"`
}

// PrepareRequest pede ao node que baixe/instale uma versão do Blender.
type PrepareRequest struct {
	Version string `json:"version"`
}

// PrepareResponse confirma o provisionamento.
type PrepareResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// IsVersionAvailableRequest sonda se uma versão já está presente no node.
type IsVersionAvailableRequest struct {
	Version string `json:"version"`
}

// IsVersionAvailableResponse indica presença da versão.
type IsVersionAvailableResponse struct {
	Success bool `json:"success"`
}

// SyncStartRequest inicia um upload direto de arquivo de cena.
type SyncStartRequest struct {
	SessionID   string `json:"sessionId"`
	FileID      int64  `json:"fileId"`
	Compression string `json:"compression,omitempty"`
}

// SyncResponse responde tanto SyncStart quanto SyncNetwork.
// SameFile=true indica que o node já tem exatamente este (sessionId, fileId)
// e nenhuma transferência é necessária.
type SyncResponse struct {
	Success  bool   `json:"success"`
	SameFile bool   `json:"sameFile"`
	UploadID string `json:"uploadId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SyncUploadRequest transporta um chunk do arquivo (base64 via JSON).
type SyncUploadRequest struct {
	UploadID string `json:"uploadId"`
	Data     []byte `json:"data"`
}

// SyncUploadResponse confirma (ou rejeita) um chunk.
type SyncUploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SyncCompleteRequest finaliza o upload.
type SyncCompleteRequest struct {
	UploadID string `json:"uploadId"`
}

// SyncCompleteResponse é o ack da finalização.
type SyncCompleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SyncNetworkRequest aponta o node para um share de rede em vez de
// transferir bytes; um caminho por OS.
type SyncNetworkRequest struct {
	SessionID   string `json:"sessionId"`
	FileID      int64  `json:"fileId"`
	WindowsPath string `json:"windowsPath,omitempty"`
	LinuxPath   string `json:"linuxPath,omitempty"`
	MacPath     string `json:"macPath,omitempty"`
}

// CheckSyncRequest verifica se o node considera o par (sessionId, fileId)
// corrente. É a única fonte de verdade para marcar uma sessão como synced.
type CheckSyncRequest struct {
	SessionID string `json:"sessionId"`
	FileID    int64  `json:"fileId"`
}

// CheckSyncResponse confirma a verificação.
type CheckSyncResponse struct {
	Success bool `json:"success"`
}

// RenderSettings parametriza um render (single ou batch).
type RenderSettings struct {
	Frame   int    `json:"frame"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Samples int    `json:"samples"`
	Engine  string `json:"engine,omitempty"`
}

// RenderRequest dispara o render de um frame.
type RenderRequest struct {
	TaskID     string         `json:"taskId"`
	SessionID  string         `json:"sessionId"`
	Version    string         `json:"version"`
	RenderType string         `json:"renderType,omitempty"`
	Settings   RenderSettings `json:"settings"`
}

// RenderResponse devolve o frame renderizado (Data) ou o motivo da falha.
type RenderResponse struct {
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// RenderBatchRequest dispara o render de vários frames; os resultados
// individuais chegam como eventos RenderBatchResult.
type RenderBatchRequest struct {
	TaskID     string         `json:"taskId"`
	SessionID  string         `json:"sessionId"`
	Version    string         `json:"version"`
	RenderType string         `json:"renderType,omitempty"`
	Frames     []int          `json:"frames"`
	Settings   RenderSettings `json:"settings"`
}

// RenderBatchResponse fecha o batch depois que todos os frames terminaram.
type RenderBatchResponse struct {
	TaskID         string `json:"taskId"`
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
	FramesRendered int    `json:"framesRendered"`
}

// BlenderPeekRequest inspeciona a cena sem renderizar.
type BlenderPeekRequest struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Version   string `json:"version"`
}

// BlenderPeekResponse descreve a cena (resolução, range de frames, câmeras).
type BlenderPeekResponse struct {
	TaskID     string   `json:"taskId"`
	Success    bool     `json:"success"`
	Message    string   `json:"message,omitempty"`
	FrameStart int      `json:"frameStart"`
	FrameEnd   int      `json:"frameEnd"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Samples    int      `json:"samples"`
	Cameras    []string `json:"cameras,omitempty"`
}

// IsBusyRequest sonda a prontidão do node.
type IsBusyRequest struct{}

// IsBusyResponse indica se o node está ocupado com outro render.
type IsBusyResponse struct {
	IsBusy bool `json:"isBusy"`
}

// CancelRenderRequest é oneway: melhor esforço, sem resposta.
type CancelRenderRequest struct {
	SessionID string `json:"sessionId"`
}

// RecoverRequest reivindica sessões nomeadas após uma reconexão.
type RecoverRequest struct {
	SessionIDs []string `json:"sessionIds"`
}

// RecoverResponse confirma a retomada das sessões.
type RecoverResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RenderInfoEvent reporta progresso de tiles do render corrente.
type RenderInfoEvent struct {
	TaskID        string `json:"taskId"`
	TilesFinished int    `json:"tilesFinished"`
	TilesTotal    int    `json:"tilesTotal"`
}

// RenderBatchResultEvent entrega um frame concluído de um batch.
type RenderBatchResultEvent struct {
	TaskID  string `json:"taskId"`
	Frame   int    `json:"frame"`
	Success bool   `json:"success"`
	Data    []byte `json:"data,omitempty"`
}

// ActivityEvent é um push de atividade do node (label + progresso).
// Progress=-1 indica progresso indeterminado.
type ActivityEvent struct {
	Activity string  `json:"activity"`
	Progress float64 `json:"progress"`
}

// ConsoleActivityEvent encaminha uma linha do console remoto.
type ConsoleActivityEvent struct {
	Output string `json:"output"`
}

// DisconnectedEvent avisa que o node vai encerrar a conexão.
type DisconnectedEvent struct {
	IsError bool   `json:"isError"`
	Reason  string `json:"reason,omitempty"`
}
