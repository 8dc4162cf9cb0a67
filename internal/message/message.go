// internal/message/message.go
// Contains data structures for messages passed through the hub and across instances.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one inbound payload on its way through a broadcast pass.
// An empty SenderID means the message did not originate on this instance.
type Message struct {
	SenderID string
	Payload  []byte
}

// Envelope is the wire form of a broadcast relayed between instances.
type Envelope struct {
	Origin    string `json:"origin"`
	SenderID  string `json:"sender_id,omitempty"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Encode marshals the envelope to JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope and rejects ones without an origin.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Origin == "" {
		return Envelope{}, errors.New("decode envelope: missing origin")
	}
	return e, nil
}

// Greeting is the JSON body served at the root path.
type Greeting struct {
	Message string `json:"message"`
}

// Health is the JSON body served at /health.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Relay       string `json:"relay"`
	Version     string `json:"version"`
}

// ConnectionInfo describes one active connection in /connections.
type ConnectionInfo struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remote_addr"`
	ConnectedAt string `json:"connected_at"`
	State       string `json:"state"`
}
