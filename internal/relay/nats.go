// internal/relay/nats.go
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

const (
	defaultSubject = "fanout.broadcast"
	connectTimeout = 5 * time.Second
)

// NATS relays broadcasts on a core NATS subject. Nothing is persisted.
type NATS struct {
	inbox
	conn    *nats.Conn
	sub     *nats.Subscription
	out     *outbox
	subject string
}

func newNATS(subject string, log *logger.Logger) *NATS {
	if subject == "" {
		subject = defaultSubject
	}
	return &NATS{inbox: newInbox(log), subject: subject}
}

// ConnectNATS dials url and subscribes to subject.
func ConnectNATS(url, subject string, log *logger.Logger) (*NATS, error) {
	r := newNATS(subject, log)

	r.logger.Infof("Connecting to NATS at %s", url)
	nc, err := nats.Connect(url,
		nats.Name("fanout-"+r.origin),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				r.logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			r.logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	sub, err := nc.Subscribe(r.subject, func(m *nats.Msg) { r.handle(m.Data) })
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", r.subject, err)
	}
	r.conn, r.sub = nc, sub
	r.out = newOutbox(r.send, r.logger)
	r.logger.Infof("Relaying broadcasts on NATS subject %s as %s", r.subject, r.origin)
	return r, nil
}

// Publish queues msg for the other instances without waiting on the bus.
func (r *NATS) Publish(msg message.Message) error {
	if r.out == nil {
		return ErrNotConnected
	}
	data, err := r.encode(msg)
	if err != nil {
		return err
	}
	return r.out.enqueue(data)
}

func (r *NATS) send(data []byte) error {
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", r.subject, err)
	}
	return nil
}

// Status reports the connection state for health checks.
func (r *NATS) Status() string {
	if r.conn != nil && r.conn.Status() == nats.CONNECTED {
		return "connected"
	}
	return "disconnected"
}

// Close unsubscribes and closes the connection.
func (r *NATS) Close() error {
	if r.conn == nil {
		return nil
	}
	r.out.close()
	var err error
	if r.sub != nil {
		err = r.sub.Unsubscribe()
	}
	r.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe from %s: %w", r.subject, err)
	}
	return nil
}
