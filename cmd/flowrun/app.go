package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dshills/flowrun/graph"
	"github.com/dshills/flowrun/graph/emit"
	"github.com/dshills/flowrun/graph/model/anthropic"
	"github.com/dshills/flowrun/graph/model/google"
	"github.com/dshills/flowrun/graph/model/openai"
	"github.com/dshills/flowrun/graph/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "flowrun"

// config is everything the global flags decide.
type config struct {
	LogEvents       bool
	Store           string
	DatabaseURL     string
	OpenAIKey       string
	AnthropicKey    string
	GoogleKey       string
	DefaultProvider string
	Python          string
	MaxConcurrent   int
	NodeTimeout     time.Duration
	LoopHardCap     int
	StuckTimeout    time.Duration
	RedactKeys      []string
	Tracing         bool
	RedisAddr       string
}

func configFromCommand(command *cli.Command) config {
	return config{
		LogEvents:       command.Bool("log-events"),
		Store:           command.String("store"),
		DatabaseURL:     command.String("database-url"),
		OpenAIKey:       command.String("openai-api-key"),
		AnthropicKey:    command.String("anthropic-api-key"),
		GoogleKey:       command.String("google-api-key"),
		DefaultProvider: command.String("default-provider"),
		Python:          command.String("python"),
		MaxConcurrent:   command.Int("max-concurrent"),
		NodeTimeout:     command.Duration("node-timeout"),
		LoopHardCap:     command.Int("loop-hard-cap"),
		StuckTimeout:    command.Duration("stuck-timeout"),
		RedactKeys:      command.StringSlice("redact-key"),
		Tracing:         command.Bool("tracing"),
		RedisAddr:       command.String("redis-addr"),
	}
}

func setupLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// app owns the long-lived objects shared by every command.
type app struct {
	logger   *log.Entry
	store    store.Store
	bus      *emit.Bus
	engine   *graph.Engine
	registry *prometheus.Registry
	redis    redis.UniversalClient

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config) (*app, error) {
	a := &app{
		logger:   log.WithField("module", serviceName),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := newStore(ctx, cfg.Store, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	opts := []graph.Option{
		graph.WithLogger(a.logger),
		graph.WithMetrics(graph.NewPrometheusMetrics(a.registry)),
		graph.WithOptions(graph.Options{
			MaxConcurrentNodes: cfg.MaxConcurrent,
			DefaultNodeTimeout: cfg.NodeTimeout,
			LoopHardCap:        cfg.LoopHardCap,
			StuckTimeout:       cfg.StuckTimeout,
			RedactKeys:         cfg.RedactKeys,
		}),
	}
	if cfg.LogEvents {
		opts = append(opts, graph.WithEmitter(emit.NewLogEmitterFrom(a.logger)))
	}
	if cfg.Tracing {
		tp, err := newTracerProvider(ctx)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
		opts = append(opts, graph.WithEmitter(emit.NewOTelEmitter(tp.Tracer(serviceName))))
	}

	// With Redis the local bus is fed by the relay, so the engine publishes
	// only to Redis and every process sees each event once.
	a.bus = emit.NewBus(0)
	engineBus := a.bus
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		opts = append(opts, graph.WithEmitter(emit.NewRedisEmitter(client, a.logger)))
		engineBus = nil
	}
	a.closers = append(a.closers, func(context.Context) error {
		a.bus.Shutdown()
		return nil
	})

	a.engine, err = graph.New(st, engineBus, newExecutor(cfg, a.logger), opts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WithError(err).Warn("shutdown step failed")
		}
	}
	a.closers = nil
}

func newExecutor(cfg config, logger log.FieldLogger) *graph.Executor {
	opts := []graph.ExecutorOption{
		graph.WithPythonBinary(cfg.Python),
		graph.WithExecutorLogger(logger.WithField("module", "executor")),
	}
	if cfg.OpenAIKey != "" {
		m := openai.NewChatModel(cfg.OpenAIKey, "")
		opts = append(opts, graph.WithChatModel("openai", m), graph.WithImageModel("openai", m))
	}
	if cfg.AnthropicKey != "" {
		opts = append(opts, graph.WithChatModel("anthropic", anthropic.NewChatModel(cfg.AnthropicKey, "")))
	}
	if cfg.GoogleKey != "" {
		opts = append(opts, graph.WithChatModel("google", google.NewChatModel(cfg.GoogleKey, "")))
	}
	if cfg.DefaultProvider != "" {
		opts = append(opts, graph.WithDefaultProvider(cfg.DefaultProvider))
	}
	return graph.NewExecutor(opts...)
}

func newStore(ctx context.Context, kind, dsn string) (store.Store, error) {
	switch strings.ToLower(kind) {
	case "memory", "":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(dsn)
	case "mysql":
		if dsn == "" {
			return nil, errors.New("mysql store requires --database-url")
		}
		return store.NewMySQLStore(dsn)
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, errors.New("postgres store requires --database-url")
		}
		return store.NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	r, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
