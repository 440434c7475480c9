// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize limita o tamanho de um frame no wire. Chunks de sync têm
// 10MiB e viram ~13.4MiB em base64; 32MiB dá folga para o envelope.
const MaxFrameSize = 32 * 1024 * 1024

// Envelope é o frame JSON que carrega toda mensagem do protocolo.
//
// Wire: [Length uint32 BE 4B] [JSON Length bytes]
//
// Correlação: requests carregam ID != 0; a resposta ecoa o mesmo valor em
// ResponseTo. Eventos do node chegam com ID=0 e ResponseTo=0.
type Envelope struct {
	Type       string          `json:"type"`
	ID         uint64          `json:"id,omitempty"`
	ResponseTo uint64          `json:"responseTo,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope monta um envelope serializando v como payload.
// v pode ser nil para mensagens sem corpo.
func NewEnvelope(msgType string, id, responseTo uint64, v any) (*Envelope, error) {
	env := &Envelope{Type: msgType, ID: id, ResponseTo: responseTo}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode desserializa o payload do envelope em v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// IsEvent indica se o envelope é uma mensagem não solicitada do node.
func (e *Envelope) IsEvent() bool {
	return e.ID == 0 && e.ResponseTo == 0
}

// WriteEnvelope escreve um envelope length-framed no writer.
// O caller serializa writes concorrentes (write mutex na Connection).
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadEnvelope lê o próximo envelope do reader.
// maxLen <= 0 usa MaxFrameSize.
func ReadEnvelope(r io.Reader, maxLen int) (*Envelope, error) {
	if maxLen <= 0 {
		maxLen = MaxFrameSize
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	length := int(binary.BigEndian.Uint32(hdr[:]))
	if length > maxLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrTruncatedFrame
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrInvalidFrame)
	}
	return &env, nil
}
