// internal/hub/connection.go
package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/erilali/fanout/internal/logger"
)

var nopLogger = logger.Nop()

// Session is the transport boundary: one client's framed, bidirectional
// message stream. ReadMessage returns ErrConnectionClosed (possibly
// wrapped) when the peer hangs up and a *TransportError otherwise.
type Session interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Pinger is implemented by sessions that need keepalive traffic.
type Pinger interface {
	Ping() error
}

// CloseNotifier is implemented by sessions that can tell the peer why they
// are being closed before the transport goes away.
type CloseNotifier interface {
	WriteClose(reason CloseReason) error
}

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason records why a connection left the Active state.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonPeer
	ReasonTransport
	ReasonOverflow
	ReasonAdmin
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonPeer:
		return "peer closed"
	case ReasonTransport:
		return "transport error"
	case ReasonOverflow:
		return "queue overflow"
	case ReasonAdmin:
		return "closed by admin"
	case ReasonShutdown:
		return "server shutdown"
	default:
		return "none"
	}
}

// drains reports whether queued messages are flushed before closing.
func (r CloseReason) drains() bool {
	return r == ReasonAdmin || r == ReasonShutdown
}

// notifies reports whether the peer gets a close notice.
func (r CloseReason) notifies() bool {
	return r == ReasonAdmin || r == ReasonShutdown
}

// aborts reports whether the transport is torn down right away. A
// recipient that overflowed is likely stuck in a write.
func (r CloseReason) aborts() bool {
	return r == ReasonOverflow
}

// Connection is one client's session plus its bounded outbound queue.
// The hub is the only producer on the queue; the write pump is the only consumer.
type Connection struct {
	session     Session
	remoteAddr  string
	connectedAt time.Time

	mu      sync.RWMutex
	id      string
	hub     *Hub
	state   State
	reason  CloseReason
	send    chan []byte
	started bool
	limiter *rate.Limiter

	closing    chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

// NewConnection wraps session in a Connection in the Connecting state.
func NewConnection(session Session, remoteAddr string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Connection{
		session:     session,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		state:       StateConnecting,
		send:        make(chan []byte, queueSize),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) Reason() CloseReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

func (c *Connection) RemoteAddr() string     { return c.remoteAddr }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// activate performs Connecting -> Active. Called by the registry while it
// holds its lock, before the connection is visible to anyone else.
func (c *Connection) activate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		return ErrConnectionClosed
	}
	c.id = id
	c.state = StateActive
	return nil
}

// Enqueue queues payload for delivery without blocking.
func (c *Connection) Enqueue(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateActive {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// Close moves the connection to Closing. It never blocks on the transport:
// the write pump finishes teardown. Closing an already closing or closed
// connection returns ErrConnectionClosed and changes nothing.
func (c *Connection) Close(reason CloseReason) error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	wasConnecting := c.state == StateConnecting
	c.state = StateClosing
	c.reason = reason
	close(c.closing)
	started := c.started
	c.mu.Unlock()

	if wasConnecting || !started {
		c.finish()
		return nil
	}
	if reason.aborts() {
		if err := c.session.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger().Debugf("abort %s: %v", c.ID(), err)
		}
	}
	return nil
}

// forceClose tears the transport down immediately, unblocking both pumps.
func (c *Connection) forceClose() {
	c.Close(ReasonShutdown)
	if err := c.session.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger().Warnf("force close %s: %v", c.ID(), err)
	}
}

// Start launches the read and write pumps of an Active connection.
func (c *Connection) Start() {
	h := c.hub
	if h == nil {
		return
	}

	h.startMu.Lock()
	if h.stopping {
		h.startMu.Unlock()
		c.Close(ReasonShutdown)
		return
	}
	c.mu.Lock()
	if c.state != StateActive || c.started {
		c.mu.Unlock()
		h.startMu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	h.wg.Add(2)
	h.startMu.Unlock()

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (c *Connection) readPump() {
	h := c.hub
	id := c.ID()
	for {
		payload, err := c.session.ReadMessage()
		if err != nil {
			if c.State() != StateActive {
				return
			}
			if errors.Is(err, ErrConnectionClosed) {
				c.Close(ReasonPeer)
			} else {
				h.logger.LogEvent("warn", "read_error", id, err.Error())
				c.Close(ReasonTransport)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			h.metrics.rateLimited.Inc()
			h.logger.Warnf("Rate limit exceeded for %s; discarding message", id)
			continue
		}

		h.logger.LogEvent("debug", "message_received", id, string(payload))
		h.Broadcast(id, payload)
	}
}

func (c *Connection) writePump() {
	defer c.finish()

	var (
		tick   <-chan time.Time
		pinger Pinger
	)
	if p, ok := c.session.(Pinger); ok && c.hub.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.hub.opts.PingPeriod)
		defer ticker.Stop()
		tick, pinger = ticker.C, p
	}

	for {
		select {
		case payload := <-c.send:
			if err := c.session.WriteMessage(payload); err != nil {
				c.writeFailed(err)
				return
			}

		case <-tick:
			if err := pinger.Ping(); err != nil {
				c.writeFailed(err)
				return
			}

		case <-c.closing:
			reason := c.Reason()
			if reason.drains() && !c.drain() {
				return
			}
			if notifier, ok := c.session.(CloseNotifier); ok && reason.notifies() {
				if err := notifier.WriteClose(reason); err != nil && !isExpectedCloseError(err) {
					c.logger().Debugf("close notice to %s: %v", c.ID(), err)
				}
			}
			return
		}
	}
}

// drain flushes whatever is already queued. It returns false if a write fails.
func (c *Connection) drain() bool {
	for {
		select {
		case payload := <-c.send:
			if err := c.session.WriteMessage(payload); err != nil {
				if !isExpectedCloseError(err) {
					c.logger().Debugf("drain to %s: %v", c.ID(), err)
				}
				return false
			}
		default:
			return true
		}
	}
}

func (c *Connection) writeFailed(err error) {
	if c.Close(ReasonTransport) == nil && !isExpectedCloseError(err) {
		c.logger().LogEvent("warn", "write_error", c.ID(), err.Error())
	}
}

// finish performs Closing -> Closed exactly once: the transport is closed,
// the registry entry removed and the queue released.
func (c *Connection) finish() {
	c.finishOnce.Do(func() {
		if err := c.session.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger().Debugf("close session %s: %v", c.ID(), err)
		}

		c.mu.RLock()
		h, id, reason := c.hub, c.id, c.reason
		c.mu.RUnlock()
		if h != nil && id != "" {
			h.unregister(id, reason)
		}

		c.mu.Lock()
		c.state = StateClosed
		c.send = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Connection) logger() *logger.Logger {
	if c.hub != nil {
		return c.hub.logger
	}
	return nopLogger
}
