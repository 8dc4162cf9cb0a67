// internal/relay/outbox.go
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/erilali/fanout/internal/logger"
)

const (
	outboxSize         = 256
	outboxFlushTimeout = 5 * time.Second
)

// ErrBacklogFull is returned by Publish when the bus cannot keep up.
var ErrBacklogFull = errors.New("relay: publish backlog full")

// outbox decouples Publish from the bus round trip. Envelopes are sent in
// enqueue order by a single goroutine.
type outbox struct {
	queue  chan []byte
	send   func(data []byte) error
	logger *logger.Logger
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newOutbox(send func(data []byte) error, log *logger.Logger) *outbox {
	if log == nil {
		log = logger.Nop()
	}
	o := &outbox{
		queue:  make(chan []byte, outboxSize),
		send:   send,
		logger: log,
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// enqueue never blocks.
func (o *outbox) enqueue(data []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrNotConnected
	}
	select {
	case o.queue <- data:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for data := range o.queue {
		if err := o.send(data); err != nil {
			o.logger.Errorf("Failed to relay message: %v", err)
		}
	}
}

// close stops accepting envelopes and waits for queued ones to be sent.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	select {
	case <-o.done:
	case <-time.After(outboxFlushTimeout):
		o.logger.Warnf("Timed out flushing %d relayed messages", len(o.queue))
	}
}
