// internal/relay/relay.go
// Package relay carries broadcasts between hub instances over a message bus.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

const inboxSize = 256

// ErrNotConnected is returned by Publish when no bus connection exists.
var ErrNotConnected = errors.New("relay: not connected")

// inbox holds the state shared by every bus: this instance's origin and the
// buffered channel of broadcasts received from other instances.
type inbox struct {
	origin   string
	messages chan message.Message
	logger   *logger.Logger
}

func newInbox(log *logger.Logger) inbox {
	if log == nil {
		log = logger.Nop()
	}
	return inbox{
		origin:   uuid.NewString(),
		messages: make(chan message.Message, inboxSize),
		logger:   log,
	}
}

// encode wraps msg in an envelope stamped with this instance's origin.
func (in *inbox) encode(msg message.Message) ([]byte, error) {
	data, err := message.Envelope{
		Origin:    in.origin,
		SenderID:  msg.SenderID,
		Payload:   strings.ToValidUTF8(string(msg.Payload), "\uFFFD"),
		Timestamp: time.Now().Unix(),
	}.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// handle decodes one relayed envelope. Envelopes from this instance are
// ignored; when the inbox is full the message is dropped.
func (in *inbox) handle(data []byte) {
	env, err := message.DecodeEnvelope(data)
	if err != nil {
		in.logger.Warnf("Discarding relayed message: %v", err)
		return
	}
	if env.Origin == in.origin {
		return
	}

	select {
	case in.messages <- message.Message{SenderID: env.SenderID, Payload: []byte(env.Payload)}:
	default:
		in.logger.Warnf("Relay inbox full; dropping message from %s", env.Origin)
	}
}

// Messages returns broadcasts that originated on other instances.
func (in *inbox) Messages() <-chan message.Message { return in.messages }

// Origin identifies this instance on the bus.
func (in *inbox) Origin() string { return in.origin }
