package ctxz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// config collects Manager construction settings.
type config struct {
	logger     *zap.Logger
	clock      clockz.Clock
	registerer prometheus.Registerer
}

// Option configures a Manager.
type Option func(*config)

// WithLogger sets the logger for diagnostics (collision notices,
// missing-base warnings, removal notices, misuse notices).
// Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock sets the clock used for all timing observations.
// Enables clock injection for deterministic testing.
// Defaults to the real clock.
func WithClock(clock clockz.Clock) Option {
	return func(cfg *config) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithRegisterer registers the manager's diagnostic counters with reg.
// Without it the counters still count but are not registered anywhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.registerer = reg
	}
}
