// Command flowrun runs workflow executions from the command line and serves
// them over HTTP.
package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithError(err).Fatal("flowrun failed")
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "flowrun",
		Usage:                 "Execute, resume and serve workflow runs",
		EnableShellCompletion: true,
		Flags:                 globalFlags(),
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			setupLogging(command.String("log-level"), command.String("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewResumeCommand(),
			NewStatusCommand(),
			NewCleanupCommand(),
			NewServeCommand(),
			NewValidateCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "log-events",
			Usage:   "Log every execution event",
			Sources: cli.EnvVars("LOG_EVENTS"),
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Execution store (memory, sqlite, mysql, postgres)",
			Value:   "sqlite",
			Sources: cli.EnvVars("FLOWRUN_STORE"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "SQLite path or MySQL/PostgreSQL DSN",
			Value:   "flowrun.db",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			Usage:   "OpenAI API key, enables the openai provider",
			Sources: cli.EnvVars("OPENAI_API_KEY"),
		},
		&cli.StringFlag{
			Name:    "anthropic-api-key",
			Usage:   "Anthropic API key, enables the anthropic provider",
			Sources: cli.EnvVars("ANTHROPIC_API_KEY"),
		},
		&cli.StringFlag{
			Name:    "google-api-key",
			Usage:   "Google API key, enables the google provider",
			Sources: cli.EnvVars("GOOGLE_API_KEY"),
		},
		&cli.StringFlag{
			Name:    "default-provider",
			Usage:   "Provider used by nodes that name none",
			Sources: cli.EnvVars("FLOWRUN_DEFAULT_PROVIDER"),
		},
		&cli.StringFlag{
			Name:    "python",
			Usage:   "Interpreter for python CODE nodes",
			Value:   "python3",
			Sources: cli.EnvVars("FLOWRUN_PYTHON"),
		},
		&cli.IntFlag{
			Name:    "max-concurrent",
			Usage:   "Ready nodes executed at once",
			Value:   1,
			Sources: cli.EnvVars("FLOWRUN_MAX_CONCURRENT"),
		},
		&cli.DurationFlag{
			Name:    "node-timeout",
			Usage:   "Default per-node timeout (0 disables)",
			Value:   5 * time.Minute,
			Sources: cli.EnvVars("FLOWRUN_NODE_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "loop-hard-cap",
			Usage:   "Engine ceiling on LOOP iterations",
			Value:   1000,
			Sources: cli.EnvVars("FLOWRUN_LOOP_HARD_CAP"),
		},
		&cli.DurationFlag{
			Name:    "stuck-timeout",
			Usage:   "Heartbeat age after which a RUNNING execution is failed",
			Value:   10 * time.Minute,
			Sources: cli.EnvVars("FLOWRUN_STUCK_TIMEOUT"),
		},
		&cli.StringSliceFlag{
			Name:    "redact-key",
			Usage:   "Extra input key stripped before the input is stored",
			Sources: cli.EnvVars("FLOWRUN_REDACT_KEYS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export spans over OTLP/HTTP (configured by OTEL_EXPORTER_OTLP_* variables)",
			Sources: cli.EnvVars("FLOWRUN_TRACING"),
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for cross-process event fan-out",
			Sources: cli.EnvVars("REDIS_ADDR"),
		},
	}
}
