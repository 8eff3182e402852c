package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "quotagate:usage"

var (
	ErrRelayFull   = errors.New("usage relay buffer full")
	ErrRelayClosed = errors.New("usage relay closed")
)

type RelayConfig struct {
	Channel string

	// Buffer is the number of events that may wait for the publisher.
	// Default: 256
	Buffer int

	// PublishTimeout bounds each PUBLISH round trip.
	// Default: 2 seconds
	PublishTimeout time.Duration

	// OnDrop is called for every event discarded because the buffer was full.
	OnDrop func()
}

// RedisRelay shares usage events between serving instances through a Redis channel.
// Publish queues for a background publisher; Run feeds everything received on the
// channel, including this instance's own events, into the local hub.
type RedisRelay struct {
	client redis.UniversalClient
	cfg    RelayConfig
	hub    *Hub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	wg     sync.WaitGroup
}

func NewRedisRelay(client redis.UniversalClient, cfg RelayConfig, hub *Hub, logger *slog.Logger) *RedisRelay {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisRelay{
		client: client,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "events.relay"),
		queue:  make(chan []byte, cfg.Buffer),
	}
	r.wg.Add(1)
	go r.publisher()
	return r
}

// Publish enqueues ev and returns without waiting for Redis.
func (r *RedisRelay) Publish(_ context.Context, ev UsageEvent) error {
	payload, err := json.Marshal(Message{Event: EventName, Data: ev})
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRelayClosed
	}

	select {
	case r.queue <- payload:
		return nil
	default:
		if r.cfg.OnDrop != nil {
			r.cfg.OnDrop()
		}
		return ErrRelayFull
	}
}

func (r *RedisRelay) publisher() {
	defer r.wg.Done()
	for payload := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
		if err := r.client.Publish(ctx, r.cfg.Channel, payload).Err(); err != nil {
			r.logger.Warn("redis publish error", "error", err, "channel", r.cfg.Channel)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Run subscribes to the relay channel and blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.cfg.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe error: %w", err)
	}
	r.logger.Info("usage relay subscribed", "channel", r.cfg.Channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn("dropping malformed usage event", "error", err)
				continue
			}
			_ = r.hub.Publish(ctx, m.Data)
		}
	}
}
