// internal/hub/hub.go
// Provides the Hub: connection registration and fan-out of inbound messages.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

// Relay carries broadcasts between hub instances. Publish is called during
// a broadcast pass and must not block. Messages delivers broadcasts that
// originated elsewhere; the relay filters out our own.
type Relay interface {
	Publish(msg message.Message) error
	Messages() <-chan message.Message
	Status() string
	Close() error
}

// Options configures a Hub. Zero values fall back to sensible defaults.
type Options struct {
	QueueSize int
	// ExcludeSender skips the sender's own connection during a broadcast.
	// By default senders receive their own messages.
	ExcludeSender bool

	// RateLimit and RateBurst cap inbound messages per connection; a zero
	// RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int

	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	CheckOrigin       func(r *http.Request) bool
	EnableCompression bool

	Relay   Relay
	Metrics *Metrics
	Logger  *logger.Logger
}

// Hub owns the Registry and fans inbound messages out to its members.
type Hub struct {
	opts     Options
	registry *Registry
	relay    Relay
	metrics  *Metrics
	logger   *logger.Logger
	upgrader websocket.Upgrader

	// broadcastMu serializes broadcast passes so every recipient queue sees
	// the same order. Registration does not take it.
	broadcastMu sync.Mutex

	startMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewHub creates a Hub with an empty registry.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger("hub")
	}

	h := &Hub{
		opts:     opts,
		registry: NewRegistry(),
		relay:    opts.Relay,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	h.upgrader = newUpgrader(opts)
	return h
}

// Register makes c a member of the hub and returns its new id.
func (h *Hub) Register(c *Connection) (string, error) {
	c.hub = h
	if h.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst)
	}

	id, err := h.registry.Register(c)
	if err != nil {
		return "", err
	}
	h.metrics.connections.Inc()
	h.logger.LogEvent("info", "client_connected", id, c.RemoteAddr())
	return id, nil
}

// Unregister removes id from the hub and closes its connection if it is
// still running. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.unregister(id, ReasonAdmin)
}

func (h *Hub) unregister(id string, reason CloseReason) {
	c, ok := h.registry.Unregister(id)
	if !ok {
		return
	}
	h.metrics.connections.Dec()
	h.logger.LogEvent("info", "client_disconnected", id, reason.String())
	c.Close(reason)
}

// CloseConnection administratively closes the connection with id. It
// reports whether such a connection was registered.
func (h *Hub) CloseConnection(id string) bool {
	c, ok := h.registry.Get(id)
	if !ok {
		return false
	}
	c.Close(ReasonAdmin)
	return true
}

// Broadcast delivers payload to every member, skipping the sender when
// ExcludeSender is set, and hands it to the relay. It never blocks on a
// recipient: a full queue drops the message for that recipient and closes
// it. It returns the number of queues the payload was placed on.
func (h *Hub) Broadcast(senderID string, payload []byte) int {
	return h.fanOut(message.Message{SenderID: senderID, Payload: payload})
}

// fanOut runs one broadcast pass. Messages with a local sender are also
// handed to the relay inside the pass, so other instances see local order.
// Relay.Publish must not block.
func (h *Hub) fanOut(msg message.Message) int {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	if h.relay != nil && msg.SenderID != "" {
		if err := h.relay.Publish(msg); err != nil {
			h.logger.Errorf("Failed to relay message from %s: %v", msg.SenderID, err)
		}
	}

	h.metrics.broadcasts.Inc()
	delivered := 0
	for _, c := range h.registry.Snapshot() {
		id := c.ID()
		if h.opts.ExcludeSender && msg.SenderID != "" && id == msg.SenderID {
			continue
		}

		switch err := h.deliver(c, msg.Payload); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrQueueOverflow):
			h.metrics.drops.Inc()
			h.metrics.evictions.Inc()
			h.logger.LogEvent("warn", "queue_overflow", id, fmt.Sprintf("dropping message, %d queued", h.opts.QueueSize))
			c.Close(ReasonOverflow)
		case errors.Is(err, ErrConnectionClosed):
			// Raced with teardown; nothing to deliver to.
		default:
			h.metrics.drops.Inc()
			h.logger.Errorf("Delivery to %s failed: %v", id, err)
			c.Close(ReasonTransport)
		}
	}
	h.metrics.deliveries.Add(float64(delivered))
	return delivered
}

// deliver isolates one recipient so a misbehaving connection cannot abort
// the rest of the pass.
func (h *Hub) deliver(c *Connection, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return c.Enqueue(payload)
}

// Run forwards broadcasts from other instances until ctx is done. Without
// a relay it just waits.
func (h *Hub) Run(ctx context.Context) {
	if h.relay == nil {
		<-ctx.Done()
		return
	}

	messages := h.relay.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				h.logger.Warn("Relay subscription ended; continuing local-only")
				<-ctx.Done()
				return
			}
			h.fanOut(message.Message{Payload: msg.Payload})
		}
	}
}

// Snapshot returns the current members in registration order.
func (h *Hub) Snapshot() []*Connection { return h.registry.Snapshot() }

// Len returns the number of registered connections.
func (h *Hub) Len() int { return h.registry.Len() }

// RelayStatus describes the cross-instance relay for health reporting.
func (h *Hub) RelayStatus() string {
	if h.relay == nil {
		return "disabled"
	}
	return h.relay.Status()
}

// Shutdown stops registrations, closes every connection gracefully and
// waits for their pumps. When ctx expires first, remaining transports are
// closed forcibly and ctx's error is returned.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("Initiating hub shutdown...")

	h.registry.Close()
	h.startMu.Lock()
	h.stopping = true
	h.startMu.Unlock()

	conns := h.registry.Snapshot()
	for _, c := range conns {
		c.Close(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Infof("Hub shutdown completed, closed %d connections", len(conns))
		return nil
	case <-ctx.Done():
		h.logger.Warn("Hub shutdown deadline reached, forcing transports closed")
		for _, c := range conns {
			if c.State() != StateClosed {
				c.forceClose()
			}
		}
		return ctx.Err()
	}
}
