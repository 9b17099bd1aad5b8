package ctxz

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrMissingBase reports a derivation whose base key was not registered.
// The derived key is still registered as a root with its own data;
// callers that ignore the error get the original log-and-degrade
// behavior.
var ErrMissingBase = errors.New("ctxz: base key not registered")

// node is one store entry: payload, derived child keys, and the number
// of outstanding handles on this key.
type node[T any] struct {
	data     T
	children map[string]struct{}
	refs     int
}

// storeConfig collects Store construction settings.
type storeConfig struct {
	logger     *zap.Logger
	violations prometheus.Counter
	removed    prometheus.Counter
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

// WithStoreLogger sets the logger for store diagnostics (missing-base
// warnings, recursive-removal notices).
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(cfg *storeConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// withStoreCounters wires the Manager's diagnostic counters into a store.
func withStoreCounters(violations, removed prometheus.Counter) StoreOption {
	return func(cfg *storeConfig) {
		cfg.violations = violations
		cfg.removed = removed
	}
}

// Store is a hierarchical keyed registry. A key can be derived from an
// existing key, aliasing its payload; removing a key removes every key
// derived from it, transitively. Removal triggers only when the last
// Handle for a key is released.
// Safe for concurrent use by multiple goroutines.
type Store[T any] struct {
	logger     *zap.Logger
	violations prometheus.Counter
	removed    prometheus.Counter
	nodes      map[string]*node[T]
	mu         sync.Mutex
}

// NewStore creates an empty store.
func NewStore[T any](opts ...StoreOption) *Store[T] {
	cfg := &storeConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Store[T]{
		logger:     cfg.logger,
		violations: cfg.violations,
		removed:    cfg.removed,
		nodes:      make(map[string]*node[T]),
	}
}

// Add registers key. With an empty baseKey the key is a root holding
// data. With a non-empty baseKey the key becomes a child of baseKey and
// aliases baseKey's payload - the data argument is discarded. If
// baseKey is not registered, Add logs the inconsistency, registers key
// as a root holding data, and returns ErrMissingBase.
func (s *Store[T]) Add(key Key, data T, baseKey Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if baseKey != "" {
		base, ok := s.nodes[baseKey]
		if !ok {
			s.logger.Error("base key not registered, adding as root",
				zap.String("key", key),
				zap.String("base_key", baseKey))
			if s.violations != nil {
				s.violations.Inc()
			}
			err = ErrMissingBase
		} else {
			base.children[key] = struct{}{}
			data = base.data
		}
	}

	if n, ok := s.nodes[key]; ok {
		// Re-registration keeps the existing child set and refs.
		n.data = data
	} else {
		s.nodes[key] = &node[T]{
			data:     data,
			children: make(map[string]struct{}),
		}
	}
	return err
}

// Find returns the payload registered under key. Lifetime is
// unaffected; use Acquire for that.
func (s *Store[T]) Find(key Key) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[key]
	if !ok {
		var zero T
		return zero, false
	}
	return n.data, true
}

// Acquire returns a reference-counted Handle on key's payload, or false
// if the key is not registered. Releasing the last outstanding Handle
// for a key removes the key and all keys derived from it.
func (s *Store[T]) Acquire(key Key) (*Handle[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[key]
	if !ok {
		return nil, false
	}
	n.refs++
	return &Handle[T]{store: s, key: key, data: n.data}, true
}

// release drops one reference on key, removing its subtree when the
// count reaches zero.
func (s *Store[T]) release(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[key]
	if !ok {
		// Subtree already removed through an ancestor's release.
		return
	}
	n.refs--
	if n.refs > 0 {
		return
	}
	s.removeRecursive(key)
}

// removeRecursive removes key and everything derived from it,
// breadth-first, visiting each key at most once. Caller holds s.mu.
func (s *Store[T]) removeRecursive(key Key) {
	queue := []string{key}
	removed := make([]string, 0, 4)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		n, ok := s.nodes[current]
		if !ok {
			continue
		}
		for child := range n.children {
			queue = append(queue, child)
		}
		delete(s.nodes, current)
		removed = append(removed, current)
	}

	if s.removed != nil {
		s.removed.Add(float64(len(removed)))
	}
	s.logger.Info("recursive remove",
		zap.String("root", key),
		zap.Strings("removed", removed))
}

// Handle is a reference-counted capability on a key's payload.
// Safe for concurrent use by multiple goroutines.
type Handle[T any] struct {
	store    *Store[T]
	key      string
	data     T
	released atomic.Bool
}

// Key returns the store key this handle references.
func (h *Handle[T]) Key() Key {
	return h.key
}

// Data returns the payload captured at Acquire time.
func (h *Handle[T]) Data() T {
	return h.data
}

// Release drops this handle's reference. The release that drops a key's
// count to zero removes the key and its derived keys from the store.
// Safe to call multiple times - subsequent calls are no-ops.
func (h *Handle[T]) Release() {
	if h.released.Swap(true) {
		return
	}
	h.store.release(h.key)
}
