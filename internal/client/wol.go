// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Render License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// wolPort é a porta UDP de broadcast do wake-on-LAN.
const wolPort = 9

// ParseMAC normaliza um endereço MAC em 6 bytes. Aceita os formatos
// AA:BB:CC:DD:EE:FF, AA-BB-CC-DD-EE-FF e AABBCCDDEEFF; qualquer entrada
// que não reduza a exatamente 12 dígitos hex é ErrInvalidMAC.
func ParseMAC(mac string) ([6]byte, error) {
	var out [6]byte
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(mac))
	if len(clean) != 12 {
		return out, fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	copy(out[:], raw)
	return out, nil
}

// WakePacket monta o magic packet: 6 bytes 0xFF seguidos do MAC
// repetido 16 vezes, total de 102 bytes.
func WakePacket(mac [6]byte) []byte {
	pkt := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		pkt = append(pkt, 0xFF)
	}
	for i := 0; i < 16; i++ {
		pkt = append(pkt, mac[:]...)
	}
	return pkt
}

// SendWake envia o magic packet por broadcast UDP na porta 9.
func SendWake(mac string) error {
	hw, err := ParseMAC(mac)
	if err != nil {
		return err
	}

	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: wolPort}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("opening wake-on-lan socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(WakePacket(hw)); err != nil {
		return fmt.Errorf("sending magic packet: %w", err)
	}
	return nil
}
