// internal/relay/redis.go
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

const (
	defaultChannel = "fanout.broadcast"
	redisTimeout   = 5 * time.Second
)

// Redis relays broadcasts over Redis pub/sub. Nothing is stored.
type Redis struct {
	inbox
	client  *redis.Client
	pubsub  *redis.PubSub
	out     *outbox
	channel string

	mu        sync.RWMutex
	connected bool
	done      chan struct{}
}

func newRedis(channel string, log *logger.Logger) *Redis {
	if channel == "" {
		channel = defaultChannel
	}
	return &Redis{inbox: newInbox(log), channel: channel, done: make(chan struct{})}
}

// ConnectRedis connects to the server at addr and subscribes to channel.
func ConnectRedis(ctx context.Context, addr, channel string, log *logger.Logger) (*Redis, error) {
	r := newRedis(channel, log)

	r.logger.Infof("Connecting to Redis at %s", addr)
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: redisTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to Redis at %s: %w", addr, err)
	}

	pubsub := client.Subscribe(ctx, r.channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(pingCtx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	r.client, r.pubsub, r.connected = client, pubsub, true
	r.out = newOutbox(r.send, r.logger)
	go r.receive(pubsub.Channel())
	r.logger.Infof("Relaying broadcasts on Redis channel %s as %s", r.channel, r.origin)
	return r, nil
}

// receive feeds subscription messages to the inbox until the channel closes.
func (r *Redis) receive(ch <-chan *redis.Message) {
	defer close(r.done)
	for m := range ch {
		r.handle([]byte(m.Payload))
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// Publish queues msg for the other instances without waiting on Redis.
func (r *Redis) Publish(msg message.Message) error {
	if r.out == nil {
		return ErrNotConnected
	}
	data, err := r.encode(msg)
	if err != nil {
		return err
	}
	return r.out.enqueue(data)
}

func (r *Redis) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Status reports the subscription state for health checks.
func (r *Redis) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.connected {
		return "connected"
	}
	return "disconnected"
}

// Close ends the subscription and closes the client.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	r.out.close()
	if err := r.pubsub.Close(); err != nil {
		r.logger.Warnf("Failed to close Redis subscription: %v", err)
	}
	select {
	case <-r.done:
	case <-time.After(redisTimeout):
		r.logger.Warn("Timed out waiting for Redis subscription to end")
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close Redis client: %w", err)
	}
	r.logger.Info("Redis connection closed successfully")
	return nil
}
