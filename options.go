package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages fetched per backfill page.
const DefaultPageSize = 30

// DefaultTombstoneTTL is how long a deleted id is suppressed from merges.
const DefaultTombstoneTTL = 5 * time.Minute

// Option configures a Syncer, Cache, Router or one of the local stores.
type Option func(*options)

type options struct {
	log          *zap.Logger
	metrics      *Metrics
	pageSize     int
	tombstoneTTL time.Duration
	now          func() time.Time
	live         LiveSource
	sessionStart time.Time
}

func newOptions(opts []Option) options {
	o := options{
		log:          zap.NewNop(),
		pageSize:     DefaultPageSize,
		tombstoneTTL: DefaultTombstoneTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records engine activity into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPageSize sets the backfill page size.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithTombstoneTTL sets how long deleted ids are suppressed. Zero disables
// tombstones.
func WithTombstoneTTL(d time.Duration) Option {
	return func(o *options) { o.tombstoneTTL = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLiveSource subscribes to src instead of the store for created messages.
func WithLiveSource(src LiveSource) Option {
	return func(o *options) { o.live = src }
}

// WithSessionStart sets the point after which live messages are requested.
// Defaults to the time Run is called.
func WithSessionStart(t time.Time) Option {
	return func(o *options) { o.sessionStart = t }
}

// NewLogger builds a zap logger for the given level ("debug", "info",
// "warn", "error"). Development loggers are human readable and panic on
// DPanic.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
