package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/flowrun/graph/emit"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// CleanupStuck fails RUNNING executions whose last heartbeat is older than
// timeout. timeout <= 0 selects the engine's stuck timeout. Each row is
// updated only if it is still RUNNING, so an execution finishing at the
// same moment keeps its own terminal state. A failed execution whose
// checkpoint holds successful nodes stays resumable. It returns how many
// executions were failed.
func (e *Engine) CleanupStuck(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = e.cfg.opts.StuckTimeout
	}
	now := e.now()
	stuck, err := e.store.ListStuck(ctx, now.Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("list stuck executions: %w", err)
	}

	logger := e.cfg.logger.WithFields(log.Fields{"module": "cleanup"})
	message := fmt.Sprintf("execution timed out: no progress for %v", timeout)
	failed := 0
	for _, exec := range stuck {
		resumable := false
		if len(exec.Checkpoint) > 0 {
			if cp, err := UnmarshalCheckpoint(exec.Checkpoint); err == nil {
				resumable = cp.SuccessCount() > 0
			}
		}
		changed, err := e.store.FailIfRunning(ctx, exec.ID, message, now, resumable)
		if err != nil {
			return failed, fmt.Errorf("fail execution %s: %w", exec.ID, err)
		}
		if !changed {
			continue
		}
		failed++
		// A run still alive in this process stops instead of writing again.
		e.Cancel(exec.ID)
		logger.WithFields(log.Fields{
			"execution_id": exec.ID,
			"heartbeat_at": exec.HeartbeatAt,
			"can_resume":   resumable,
		}).Warn("failed stuck execution")
		e.emitter.Emit(emit.Event{
			ExecutionID: exec.ID,
			Type:        emit.ExecutionError,
			Timestamp:   now.UnixMilli(),
			Error:       message,
		})
	}
	e.cfg.metrics.AddStuckFailed(failed)
	return failed, nil
}

// CleanupScheduler runs CleanupStuck on a cron schedule.
type CleanupScheduler struct {
	engine  *Engine
	spec    string
	timeout time.Duration
	logger  log.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCleanupScheduler validates spec, a standard five-field cron
// expression or a descriptor such as "@every 1m".
func NewCleanupScheduler(engine *Engine, spec string, timeout time.Duration) (*CleanupScheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &CleanupScheduler{
		engine:  engine,
		spec:    spec,
		timeout: timeout,
		logger: engine.cfg.logger.WithFields(log.Fields{
			"module": "cleanup_scheduler",
			"cron":   spec,
		}),
	}, nil
}

// Start schedules the sweep. Overlapping sweeps are skipped.
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to add cleanup job: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("cleanup scheduler started")
	return nil
}

func (s *CleanupScheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.engine.CleanupStuck(ctx, s.timeout)
	if err != nil {
		s.logger.WithError(err).Error("cleanup sweep failed")
		return
	}
	if n > 0 {
		s.logger.WithField("failed", n).Info("cleanup sweep failed stuck executions")
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		s.logger.Info("cleanup scheduler stopped")
	}
}
