package ctxz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// activeKeyType is a private type for context keys to avoid collisions.
type activeKeyType string

const activeKey activeKeyType = "ctxz"

var (
	// ErrNoActiveContext means the context.Context never went through Enter.
	ErrNoActiveContext = errors.New("ctxz: no active context")

	// ErrContextReleased means the active key was already removed from
	// the store.
	ErrContextReleased = errors.New("ctxz: active context already released")
)

// Manager creates and resolves Contexts through a hierarchical store.
// The active store key for a call chain travels on the context.Context
// returned by Enter, so "the current context" is explicit per call
// chain rather than per thread.
// Safe for concurrent use by multiple goroutines.
type Manager struct {
	store    *Store[*Context]
	logger   *zap.Logger
	clock    clockz.Clock
	metrics  *metrics
	mu       sync.Mutex
	dummySeq atomic.Uint64
}

// New creates a Manager.
// Uses the real clock and a nop logger unless configured otherwise.
func New(opts ...Option) *Manager {
	cfg := &config{
		logger: zap.NewNop(),
		clock:  clockz.RealClock,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	met := newMetrics(cfg.registerer)
	return &Manager{
		store: NewStore[*Context](
			WithStoreLogger(cfg.logger),
			withStoreCounters(met.violations, met.removed),
		),
		logger:  cfg.logger,
		clock:   cfg.clock,
		metrics: met,
	}
}

// Enter opens the Context registered under id and returns a derived
// context.Context carrying the store key this call chain works against.
//
// If id is not registered, a new Context is created under id. If it is
// (another participant already entered it), a dummy_<id>_<n> key is
// derived as a child of id, aliasing the same Context: both
// participants share fields and spans but release their keys
// independently. If ctx already carries an active key from an earlier
// Enter, it is logged and replaced on the returned context.
func (m *Manager) Enter(ctx context.Context, id Key) (context.Context, *Context) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	if prior, ok := ctx.Value(activeKey).(string); ok {
		m.logger.Warn("active key already set, replacing",
			zap.String("prior_key", prior),
			zap.String("identifier", id))
	}

	m.mu.Lock()
	key := id
	if _, ok := m.store.Find(id); !ok {
		m.logger.Info("registering context",
			zap.String("identifier", id))
		//nolint:errcheck // Base key is empty, Add cannot fail.
		m.store.Add(id, newContext(id, m.clock), "")
	} else {
		key = m.dummyKey(id)
		m.logger.Info("identifier already registered, deriving key",
			zap.String("identifier", id),
			zap.String("key", key))
		m.metrics.collisions.Inc()
		// The fresh Context is discarded when the base still exists;
		// it becomes the payload if the base was released in between.
		if err := m.store.Add(key, newContext(id, m.clock), id); err != nil {
			m.logger.Error("derive failed, registered as root",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	data, ok := m.store.Find(key)
	m.mu.Unlock()

	if !ok {
		// The key was cascade-removed between Add and Find.
		m.logger.Warn("context removed during enter, returning detached context",
			zap.String("key", key))
		m.metrics.detached.Inc()
		data = newContext(id, m.clock)
	}

	return context.WithValue(ctx, activeKey, key), data
}

// Current resolves the calling chain's active Context. Misuse (ctx
// never went through Enter, or the active key was already released)
// logs, counts, and returns a fresh detached Context so the request
// path never fails. Use Lookup to observe the misuse instead.
func (m *Manager) Current(ctx context.Context) *Context {
	data, err := m.Lookup(ctx)
	if err != nil {
		id := "detached-" + uuid.NewString()
		m.logger.Warn("no active context, returning detached context",
			zap.String("identifier", id),
			zap.Error(err))
		m.metrics.detached.Inc()
		return newContext(id, m.clock)
	}
	return data
}

// Lookup resolves the calling chain's active Context, or reports why it
// cannot: ErrNoActiveContext if ctx never went through Enter,
// ErrContextReleased if the active key is gone from the store.
func (m *Manager) Lookup(ctx context.Context) (*Context, error) {
	key, ok := ActiveKey(ctx)
	if !ok {
		return nil, ErrNoActiveContext
	}
	data, ok := m.store.Find(key)
	if !ok {
		return nil, fmt.Errorf("%w: key %q", ErrContextReleased, key)
	}
	return data, nil
}

// Handle returns a store handle for the calling chain's active key.
// Releasing the last handle for that key removes it and every key
// derived from it. Returns false if ctx has no active key or the key
// was already removed.
func (m *Manager) Handle(ctx context.Context) (*Handle[*Context], bool) {
	key, ok := ActiveKey(ctx)
	if !ok {
		m.logger.Warn("no active key on context")
		return nil, false
	}
	return m.store.Acquire(key)
}

// Store exposes the manager's underlying store.
func (m *Manager) Store() *Store[*Context] {
	return m.store
}

// dummyKey generates a collision-disambiguation key for id.
func (m *Manager) dummyKey(id Key) Key {
	return fmt.Sprintf("dummy_%s_%d", id, m.dummySeq.Add(1)-1)
}

// ActiveKey extracts the active store key from a context.
// Returns false if the context never went through Enter.
func ActiveKey(ctx context.Context) (Key, bool) {
	if ctx == nil {
		return "", false
	}
	key, ok := ctx.Value(activeKey).(string)
	return key, ok
}
