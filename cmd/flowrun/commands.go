package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/flowrun/graph"
	"github.com/dshills/flowrun/graph/store"
	cli "github.com/urfave/cli/v3"
)

// withApp builds the app from the global flags, runs fn and releases the
// app. SIGINT and SIGTERM cancel ctx.
func withApp(ctx context.Context, command *cli.Command, fn func(context.Context, *app) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configFromCommand(command))
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultError turns a non-COMPLETED result into a command error after the
// result was printed.
func resultError(res graph.ExecutionResult) error {
	if res.Status == store.StatusCompleted {
		return nil
	}
	return fmt.Errorf("execution %s ended %s: %s", res.ExecutionID, res.Status, res.Error)
}

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Execute a workflow file and print the result",
		ArgsUsage: "<workflow-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "input",
				Usage: "Invocation payload as inline JSON",
			},
			&cli.StringFlag{
				Name:  "input-file",
				Usage: "Invocation payload as a JSON or YAML file",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Cancel the execution after this long (0 waits forever)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errors.New("a workflow file is required")
			}
			wf, err := loadWorkflow(path)
			if err != nil {
				return err
			}
			input, err := loadInput(command.String("input"), command.String("input-file"))
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(ctx context.Context, a *app) error {
				if d := command.Duration("timeout"); d > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, d)
					defer cancel()
				}
				res, err := a.engine.Execute(ctx, wf, input)
				if err != nil {
					return err
				}
				if err := writeJSON(command.Root().Writer, res); err != nil {
					return err
				}
				return resultError(res)
			})
		},
	}
}

func NewResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a failed execution from its checkpoint",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workflow",
				Aliases:  []string{"w"},
				Usage:    "Workflow file the execution ran",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return errors.New("an execution id is required")
			}
			wf, err := loadWorkflow(command.String("workflow"))
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(ctx context.Context, a *app) error {
				res, err := a.engine.Resume(ctx, id, wf)
				if err != nil {
					return err
				}
				if err := writeJSON(command.Root().Writer, res); err != nil {
					return err
				}
				return resultError(res)
			})
		},
	}
}

// statusReport is what the status command prints.
type statusReport struct {
	Execution *store.Execution     `json:"execution"`
	Logs      []store.ExecutionLog `json:"logs"`
	Resume    graph.ResumeStatus   `json:"resume"`
}

func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show an execution, its node logs and whether it can be resumed",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workflow",
				Aliases: []string{"w"},
				Usage:   "Workflow file to check the checkpoint against",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return errors.New("an execution id is required")
			}
			var wf *graph.Workflow
			if path := command.String("workflow"); path != "" {
				loaded, err := loadWorkflow(path)
				if err != nil {
					return err
				}
				wf = &loaded
			}
			return withApp(ctx, command, func(ctx context.Context, a *app) error {
				exec, err := a.store.GetExecution(ctx, id)
				if err != nil {
					return fmt.Errorf("execution %s: %w", id, err)
				}
				logs, err := a.store.ListLogs(ctx, id)
				if err != nil {
					return err
				}
				rs, err := a.engine.ResumeStatus(ctx, id, wf)
				if err != nil {
					return err
				}
				exec.Checkpoint = nil
				return writeJSON(command.Root().Writer, statusReport{Execution: exec, Logs: logs, Resume: rs})
			})
		},
	}
}

func NewCleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Fail RUNNING executions without recent progress",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Heartbeat age to treat as stuck (defaults to --stuck-timeout)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withApp(ctx, command, func(ctx context.Context, a *app) error {
				n, err := a.engine.CleanupStuck(ctx, command.Duration("timeout"))
				if err != nil {
					return err
				}
				return writeJSON(command.Root().Writer, map[string]int{"failed": n})
			})
		},
	}
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check workflow files for graph errors",
		ArgsUsage: "<file-or-dir>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() == 0 {
				return errors.New("at least one workflow file is required")
			}
			out := command.Root().Writer
			invalid := 0
			for _, p := range command.Args().Slice() {
				files, err := workflowFiles(p)
				if err != nil {
					return err
				}
				for _, f := range files {
					wf, err := loadWorkflow(f)
					if err == nil {
						err = wf.Config.Validate()
					}
					if err != nil {
						invalid++
						fmt.Fprintf(out, "FAIL %s: %v\n", f, err)
						continue
					}
					fmt.Fprintf(out, "ok   %s (%s, %d nodes, %d edges)\n", f, wf.ID, len(wf.Config.Nodes), len(wf.Config.Edges))
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d invalid workflow(s)", invalid)
			}
			return nil
		},
	}
}

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the execution HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("FLOWRUN_ADDR"),
			},
			&cli.StringSliceFlag{
				Name:     "workflows",
				Usage:    "Workflow files or directories to serve",
				Required: true,
				Sources:  cli.EnvVars("FLOWRUN_WORKFLOWS"),
			},
			&cli.StringFlag{
				Name:    "cleanup-schedule",
				Usage:   "Cron expression for the stuck-execution sweep (empty disables)",
				Value:   "@every 1m",
				Sources: cli.EnvVars("FLOWRUN_CLEANUP_SCHEDULE"),
			},
			&cli.StringSliceFlag{
				Name:    "cors-origin",
				Usage:   "Allowed CORS origin",
				Sources: cli.EnvVars("FLOWRUN_CORS_ORIGINS"),
			},
			&cli.DurationFlag{
				Name:  "sse-heartbeat",
				Usage: "Interval between SSE heartbeats",
				Value: 15 * time.Second,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cat, err := loadCatalog(command.StringSlice("workflows")...)
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(ctx context.Context, a *app) error {
				return serve(ctx, a, cat, serveOptions{
					Addr:            command.String("addr"),
					CleanupSchedule: command.String("cleanup-schedule"),
					CORSOrigins:     command.StringSlice("cors-origin"),
					Heartbeat:       command.Duration("sse-heartbeat"),
				})
			})
		},
	}
}
