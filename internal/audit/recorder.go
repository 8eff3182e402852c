package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBufferFull = errors.New("audit buffer full")

type Config struct {
	// Buffer is the number of entries that may wait for the writer.
	// Default: 1000
	Buffer int

	// WriteTimeout bounds each store append.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// OnDrop is called for every entry discarded because the buffer was full.
	OnDrop func()
}

func DefaultConfig() Config {
	return Config{Buffer: 1000, WriteTimeout: 5 * time.Second}
}

// Recorder writes entries to a Store from a background worker so that
// admission never waits on audit storage.
type Recorder struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Entry
	wg     sync.WaitGroup
}

func NewRecorder(store Store, cfg Config, logger *slog.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "audit.recorder"),
		ch:     make(chan Entry, cfg.Buffer),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues e and returns immediately.
func (r *Recorder) Record(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	select {
	case r.ch <- e:
		return nil
	default:
		if r.cfg.OnDrop != nil {
			r.cfg.OnDrop()
		}
		return ErrBufferFull
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		if err := r.store.Append(ctx, e); err != nil {
			r.logger.Warn("failed to write audit entry",
				"error", err,
				"endpoint", e.Endpoint,
				"status", e.Status,
			)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
