package graph

import (
	"errors"
	"io"
	"time"

	"github.com/dshills/flowrun/graph/emit"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Defaults applied by New.
const (
	DefaultLoopHardCap   = 1000
	DefaultStuckTimeout  = 10 * time.Minute
	defaultMaxConcurrent = 1
)

// Options is the plain configuration of an Engine. Functional options
// below set the same fields.
type Options struct {
	// MaxConcurrentNodes bounds how many ready nodes run at once. 1 runs
	// nodes one at a time in declaration order.
	MaxConcurrentNodes int

	// DefaultNodeTimeout applies to nodes without their own config.timeout.
	// Zero means no limit.
	DefaultNodeTimeout time.Duration

	// LoopHardCap is the engine-wide ceiling on LOOP iterations regardless
	// of a node's maxIterations.
	LoopHardCap int

	// StuckTimeout is how long a RUNNING execution may go without a
	// heartbeat before CleanupStuck fails it.
	StuckTimeout time.Duration

	// RedactKeys are additional input keys (case-insensitive) stripped from
	// the stored execution input.
	RedactKeys []string
}

// Option configures an Engine.
//
//	engine, err := graph.New(st, bus, executor,
//	    graph.WithMaxConcurrent(4),
//	    graph.WithDefaultNodeTimeout(2*time.Minute),
//	    graph.WithLogger(logger),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts     Options
	metrics  *PrometheusMetrics
	logger   log.FieldLogger
	pricing  map[string]ModelPricing
	clock    func() time.Time
	newID    func() string
	emitters []emit.Emitter
}

func defaultEngineConfig() engineConfig {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return engineConfig{
		opts: Options{
			MaxConcurrentNodes: defaultMaxConcurrent,
			LoopHardCap:        DefaultLoopHardCap,
			StuckTimeout:       DefaultStuckTimeout,
		},
		logger: logger,
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

// WithOptions replaces the plain options wholesale. Later options still
// override individual fields.
func WithOptions(o Options) Option {
	return func(cfg *engineConfig) error {
		if o.MaxConcurrentNodes <= 0 {
			o.MaxConcurrentNodes = defaultMaxConcurrent
		}
		if o.LoopHardCap <= 0 {
			o.LoopHardCap = DefaultLoopHardCap
		}
		if o.StuckTimeout <= 0 {
			o.StuckTimeout = DefaultStuckTimeout
		}
		cfg.opts = o
		return nil
	}
}

// WithMaxConcurrent sets how many independent ready nodes may execute at
// the same time. Default 1.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("max concurrent nodes must be at least 1")
		}
		cfg.opts.MaxConcurrentNodes = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the per-node timeout used when a node's
// config carries none.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("default node timeout must not be negative")
		}
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithLoopHardCap sets the engine ceiling on LOOP iterations. Default 1000.
func WithLoopHardCap(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("loop hard cap must be at least 1")
		}
		cfg.opts.LoopHardCap = n
		return nil
	}
}

func WithStuckTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return errors.New("stuck timeout must be positive")
		}
		cfg.opts.StuckTimeout = d
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(logger log.FieldLogger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithCostPricing replaces the model price table used for
// estimatedCostUsd.
func WithCostPricing(pricing map[string]ModelPricing) Option {
	return func(cfg *engineConfig) error {
		cfg.pricing = pricing
		return nil
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		cfg.clock = clock
		return nil
	}
}

// WithIDGenerator overrides execution id generation (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(cfg *engineConfig) error {
		if fn == nil {
			return errors.New("id generator must not be nil")
		}
		cfg.newID = fn
		return nil
	}
}

// WithRedactKeys adds input keys stripped before the input is stored.
func WithRedactKeys(keys ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RedactKeys = append(cfg.opts.RedactKeys, keys...)
		return nil
	}
}

// WithEmitter adds an emitter that receives every event alongside the bus,
// e.g. emit.LogEmitter or emit.OTelEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e != nil {
			cfg.emitters = append(cfg.emitters, e)
		}
		return nil
	}
}
