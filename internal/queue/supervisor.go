// Package queue schedules pending runs onto a worker pool. Workers wake on
// pending-run notifications and fall back to jittered polling; a sweeper
// returns runs orphaned by crashed workers to the queue.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
	"github.com/loomworks/loomd/internal/metrics"
	"github.com/loomworks/loomd/internal/store"
)

const (
	// notifyWait bounds one blocking wait on the notification channel before
	// a worker re-scans the queue regardless.
	notifyWait = 5 * time.Second
	// pollJitter spreads fallback polling so workers do not scan in lockstep.
	pollJitter = 10 * time.Second
	sweepEvery = 30 * time.Second
)

// Config parameterizes the supervisor.
type Config struct {
	// Workers is the pool size. Defaults to 10.
	Workers int
	// Channel is the pending-run notification channel; empty disables
	// notification wakeups and workers poll only.
	Channel string
}

// Supervisor owns the worker pool and the sweeper.
type Supervisor struct {
	cfg      Config
	runs     *store.RunsRepo
	threads  *store.ThreadsRepo
	broker   broker.Broker
	runner   graph.Runner
	notifier *db.Notifier
	webhooks *WebhookSender
	logger   *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewSupervisor(cfg Config, runs *store.RunsRepo, threads *store.ThreadsRepo, b broker.Broker, runner graph.Runner, notifier *db.Notifier, logger *zap.Logger) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &Supervisor{
		cfg:      cfg,
		runs:     runs,
		threads:  threads,
		broker:   b,
		runner:   runner,
		notifier: notifier,
		webhooks: NewWebhookSender(logger),
		logger:   logger,
	}
}

// Start launches the worker pool and the sweeper.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("Starting run queue", zap.Int("workers", s.cfg.Workers))

	for i := 0; i < s.cfg.Workers; i++ {
		w := &worker{
			id:       i,
			runs:     s.runs,
			threads:  s.threads,
			broker:   s.broker,
			runner:   s.runner,
			webhooks: s.webhooks,
			logger:   s.logger,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx, w)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
}

// Stop cancels all loops and waits for in-flight runs to settle.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) workerLoop(ctx context.Context, w *worker) {
	for ctx.Err() == nil {
		claim, err := s.runs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Queue scan failed", zap.Int("worker", w.id), zap.Error(err))
			s.sleep(ctx, time.Second)
			continue
		}
		if claim != nil {
			w.execute(ctx, claim)
			continue // drain the queue before waiting again
		}
		s.waitForWork(ctx)
	}
}

// waitForWork blocks on the notification channel with a bounded wait, or on
// a jittered poll interval when notifications are unavailable.
func (s *Supervisor) waitForWork(ctx context.Context) {
	if s.notifier != nil && s.cfg.Channel != "" {
		_, err := s.notifier.WaitForNotification(ctx, s.cfg.Channel, notifyWait)
		if err == nil {
			metrics.NotifierWakeups.Inc()
			return
		}
		if errors.Is(err, db.ErrWaitTimeout) || errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("Notification wait failed", zap.Error(err))
	}
	s.sleep(ctx, time.Duration(rand.Int63n(int64(pollJitter))))
}

// sweepLoop requeues running runs whose lock holder is gone. A crashed
// worker's lock expires (distributed) or vanishes with the process (local),
// leaving the run in status running with no lock.
func (s *Supervisor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	running, err := s.runs.Running(ctx)
	if err != nil {
		s.logger.Warn("Sweep scan failed", zap.Error(err))
		return
	}
	for _, run := range running {
		if s.broker.IsLocked(ctx, run.ID) {
			continue
		}
		if err := s.runs.Requeue(ctx, run, MaxAttempts); err != nil {
			s.logger.Warn("Failed to requeue orphaned run",
				zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("Requeued orphaned run",
			zap.String("run_id", run.ID.String()), zap.Int("attempts", run.Attempts()))
		metrics.SweeperRequeues.Inc()
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
