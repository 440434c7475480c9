// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package settings persiste as preferências do client em um blob JSON
// único. O schema é estável entre releases: campos novos entram, campos
// desconhecidos são preservados no round-trip.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PastClient guarda a configuração de um node usado anteriormente.
type PastClient struct {
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	RenderType  string  `json:"renderType"`
	Performance float64 `json:"performance"`
	Pass        string  `json:"pass"`
	MAC         string  `json:"mac"`
}

// ProjectSettings guarda as preferências de sync de um arquivo de cena.
type ProjectSettings struct {
	UseNetworked   bool   `json:"useNetworked"`
	NetPathWindows string `json:"netPathWindows"`
	NetPathLinux   string `json:"netPathLinux"`
	NetPathMacOS   string `json:"netPathMacOS"`
}

// Settings é o blob persistido. Os booleans de opção são flatten no JSON
// como chaves "option_<nome>" no nível raiz (schema herdado); campos que
// este build não conhece são mantidos intactos em extra.
type Settings struct {
	LocalBlendFiles     []string                   `json:"-"`
	ListenForBroadcasts bool                       `json:"-"`
	LastVersion         string                     `json:"-"`
	History             []string                   `json:"-"`
	PastClients         map[string]PastClient      `json:"-"`
	ProjectSettings     map[string]ProjectSettings `json:"-"`
	Options             map[string]bool            `json:"-"`

	extra map[string]json.RawMessage
}

// New cria um Settings vazio com os mapas inicializados.
func New() *Settings {
	return &Settings{
		PastClients:     make(map[string]PastClient),
		ProjectSettings: make(map[string]ProjectSettings),
		Options:         make(map[string]bool),
	}
}

// Option lê um boolean de opção; ausente = false.
func (s *Settings) Option(name string) bool {
	return s.Options[name]
}

// SetOption grava um boolean de opção.
func (s *Settings) SetOption(name string, value bool) {
	if s.Options == nil {
		s.Options = make(map[string]bool)
	}
	s.Options[name] = value
}

// AddHistory acrescenta uma entrada ao histórico, sem duplicar a última.
func (s *Settings) AddHistory(entry string) {
	if n := len(s.History); n > 0 && s.History[n-1] == entry {
		return
	}
	s.History = append(s.History, entry)
}

// MarshalJSON serializa o blob com os option_* flatten na raiz.
func (s *Settings) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.extra)+len(s.Options)+6)
	for k, v := range s.extra {
		out[k] = v
	}

	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding settings field %s: %w", key, err)
		}
		out[key] = data
		return nil
	}

	if err := put("localBlendFiles", s.LocalBlendFiles); err != nil {
		return nil, err
	}
	if err := put("listenForBroadcasts", s.ListenForBroadcasts); err != nil {
		return nil, err
	}
	if err := put("lastVersion", s.LastVersion); err != nil {
		return nil, err
	}
	if err := put("history", s.History); err != nil {
		return nil, err
	}
	if err := put("pastClients", s.PastClients); err != nil {
		return nil, err
	}
	if err := put("projectSettings", s.ProjectSettings); err != nil {
		return nil, err
	}
	for name, value := range s.Options {
		if err := put("option_"+name, value); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON lê o blob, coletando os option_* da raiz e preservando
// qualquer chave desconhecida para o próximo save.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing settings blob: %w", err)
	}

	s.Options = make(map[string]bool)
	s.extra = make(map[string]json.RawMessage)

	take := func(key string, v any) error {
		field, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if err := json.Unmarshal(field, v); err != nil {
			return fmt.Errorf("parsing settings field %s: %w", key, err)
		}
		return nil
	}

	if err := take("localBlendFiles", &s.LocalBlendFiles); err != nil {
		return err
	}
	if err := take("listenForBroadcasts", &s.ListenForBroadcasts); err != nil {
		return err
	}
	if err := take("lastVersion", &s.LastVersion); err != nil {
		return err
	}
	if err := take("history", &s.History); err != nil {
		return err
	}
	if err := take("pastClients", &s.PastClients); err != nil {
		return err
	}
	if err := take("projectSettings", &s.ProjectSettings); err != nil {
		return err
	}

	for key, field := range raw {
		if name, ok := strings.CutPrefix(key, "option_"); ok {
			var value bool
			if err := json.Unmarshal(field, &value); err != nil {
				return fmt.Errorf("parsing settings field %s: %w", key, err)
			}
			s.Options[name] = value
			continue
		}
		s.extra[key] = field
	}

	if s.PastClients == nil {
		s.PastClients = make(map[string]PastClient)
	}
	if s.ProjectSettings == nil {
		s.ProjectSettings = make(map[string]ProjectSettings)
	}

	return nil
}

// Store carrega e salva o blob com escrita atômica (tmp + rename).
// Safe para uso concorrente.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore cria um Store apontando para o arquivo de settings.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load lê o blob do disco. Arquivo inexistente retorna settings vazios,
// não erro: o primeiro save cria o arquivo.
func (st *Store) Load() (*Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save grava o blob de forma atômica: escreve em um tmp no mesmo
// diretório e renomeia por cima. Um crash no meio nunca deixa o arquivo
// truncado.
func (st *Store) Save(s *Settings) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("creating settings temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing settings temp file: %w", err)
	}

	if err := os.Rename(tmpPath, st.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing settings file: %w", err)
	}
	return nil
}
