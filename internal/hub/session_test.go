package hub

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

// fakeSession is an in-memory Session. Tests push inbound frames with
// deliver, observe writes on written, and can stall writes with stall.
type fakeSession struct {
	inbound  chan []byte
	written  chan []byte
	peerGone chan struct{}
	closed   chan struct{}
	stall    chan struct{}

	mu         sync.Mutex
	closeNotes []CloseReason
	pings      int

	closeOnce sync.Once
	hangOnce  sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		inbound:  make(chan []byte, 16),
		written:  make(chan []byte, 1024),
		peerGone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// newStalledSession returns a session whose writes block until it is closed.
func newStalledSession() *fakeSession {
	s := newFakeSession()
	s.stall = make(chan struct{})
	return s
}

func (s *fakeSession) deliver(payload string) { s.inbound <- []byte(payload) }

func (s *fakeSession) hangUp() { s.hangOnce.Do(func() { close(s.peerGone) }) }

func (s *fakeSession) ReadMessage() ([]byte, error) {
	select {
	case p := <-s.inbound:
		return p, nil
	case <-s.peerGone:
		return nil, ErrConnectionClosed
	case <-s.closed:
		return nil, &TransportError{Op: "read", Err: net.ErrClosed}
	}
}

func (s *fakeSession) WriteMessage(payload []byte) error {
	if s.stall != nil {
		select {
		case <-s.stall:
		case <-s.closed:
			return &TransportError{Op: "write", Err: net.ErrClosed}
		}
	}
	select {
	case <-s.closed:
		return &TransportError{Op: "write", Err: net.ErrClosed}
	default:
	}
	s.written <- payload
	return nil
}

func (s *fakeSession) Ping() error {
	s.mu.Lock()
	s.pings++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) WriteClose(reason CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeNotes = append(s.closeNotes, reason)
	return nil
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSession) notes() []CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CloseReason(nil), s.closeNotes...)
}

// expectWrite waits for the next written payload and checks it.
func (s *fakeSession) expectWrite(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-s.written:
		if string(got) != want {
			t.Fatalf("wrote %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (s *fakeSession) expectNoWrite(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-s.written:
		t.Fatalf("unexpected write %q", got)
	case <-time.After(wait):
	}
}

type fakeRelay struct {
	mu        sync.Mutex
	published []message.Message
	incoming  chan message.Message
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{incoming: make(chan message.Message, 16)}
}

func (r *fakeRelay) Publish(msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, msg)
	return nil
}

func (r *fakeRelay) Messages() <-chan message.Message { return r.incoming }
func (r *fakeRelay) Status() string                   { return "connected" }
func (r *fakeRelay) Close() error                     { return nil }

func (r *fakeRelay) publishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func newTestHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return NewHub(opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect registers and starts a connection over a fresh fake session.
func connect(t *testing.T, h *Hub) (*Connection, *fakeSession) {
	t.Helper()
	s := newFakeSession()
	c := NewConnection(s, "test", h.opts.QueueSize)
	if _, err := h.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c.Start()
	return c, s
}
