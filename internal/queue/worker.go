package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
	"github.com/loomworks/loomd/internal/metrics"
	"github.com/loomworks/loomd/internal/store"
)

// MaxAttempts bounds how many times a run may be claimed before it fails
// permanently.
const MaxAttempts = 3

// worker executes one claimed run at a time.
type worker struct {
	id       int
	runs     *store.RunsRepo
	threads  *store.ThreadsRepo
	broker   broker.Broker
	runner   graph.Runner
	webhooks *WebhookSender
	logger   *zap.Logger
}

// execute drives a claimed run to a terminal state: stream events to the
// broker, settle run and thread status, close the control channel with a
// done event, and release the claim lock.
func (w *worker) execute(ctx context.Context, claim *store.Claim) {
	run := claim.Run
	logger := w.logger.With(
		zap.String("run_id", run.ID.String()),
		zap.String("thread_id", run.ThreadID.String()),
		zap.Int("attempt", claim.Attempt),
		zap.Int("worker", w.id))
	defer w.runs.Release(run.ID)

	w.broker.EnsureQueue(run.ID, kwargBool(run.Kwargs, "stream_resumable"))
	started := time.Now()

	if claim.Attempt > MaxAttempts {
		logger.Error("Run exceeded attempt budget")
		w.settle(ctx, run, nil, fmt.Errorf("run exceeded %d attempts", MaxAttempts), claim.Signal, started)
		return
	}

	metrics.RunsStarted.Inc()

	tracer := otel.Tracer("loomd")
	spanCtx, span := tracer.Start(ctx, "run.execute")
	span.SetAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.Int("run.attempt", claim.Attempt))
	defer span.End()

	// Abort the graph context when the cancel signal fires.
	runCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-claim.Signal.Done():
			cancel()
		case <-watchDone:
		}
	}()

	var lastCheckpoint *graph.Checkpoint
	req := graph.RunRequest{
		Run:     &run,
		Attempt: claim.Attempt,
		Config:  kwargObject(run.Kwargs, "config"),
		Input:   run.Kwargs["input"],
		OnCheckpoint: func(cp *graph.Checkpoint) {
			lastCheckpoint = cp
		},
		OnTaskResult: func(task graph.Task) {
			patchTask(lastCheckpoint, task)
		},
	}

	runErr := w.drain(runCtx, run.ID, req)
	metrics.RunDuration.Observe(time.Since(started).Seconds())
	if runErr != nil && !claim.Signal.Aborted() {
		logger.Warn("Run failed", zap.Error(runErr))
	}
	w.settle(ctx, run, lastCheckpoint, runErr, claim.Signal, started)
}

// drain starts the runner and forwards every event to the broker. Returns
// nil on normal completion.
func (w *worker) drain(ctx context.Context, runID uuid.UUID, req graph.RunRequest) error {
	stream, err := w.runner.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, graph.ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		pushErr := w.broker.Push(ctx, runID, broker.StreamEvent{
			Topic: broker.StreamTopic(runID, ev.Name),
			Data:  ev.Data,
		})
		if pushErr != nil {
			return fmt.Errorf("push event: %w", pushErr)
		}
	}
}

// settle maps the outcome to a terminal status, writes run and thread rows,
// emits the done control event, and fires the webhook.
func (w *worker) settle(ctx context.Context, run db.Run, checkpoint *graph.Checkpoint, runErr error, signal *broker.CancelSignal, startedAt time.Time) {
	status := db.RunStatusSuccess
	reason := signal.Reason()
	switch {
	case reason == broker.ActionRollback:
		// The row is deleted below; the status only names the outcome for
		// webhooks and metrics.
		status = db.RunStatusError
		runErr = nil
	case reason == broker.ActionInterrupt:
		status = db.RunStatusInterrupted
		runErr = nil
	case runErr != nil:
		status = db.RunStatusError
	}

	if status == db.RunStatusError && runErr != nil {
		data, _ := json.Marshal(map[string]string{"error": runErr.Error()})
		if err := w.broker.Push(ctx, run.ID, broker.StreamEvent{
			Topic: broker.StreamTopic(run.ID, "error"),
			Data:  data,
		}); err != nil {
			w.logger.Warn("Failed to push error event",
				zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}

	// The done control event terminates every consumer, so it must be the
	// last event on the stream.
	if err := w.broker.Push(ctx, run.ID, broker.StreamEvent{
		Topic: broker.ControlTopic(run.ID),
		Data:  []byte(broker.ActionDone),
	}); err != nil {
		w.logger.Warn("Failed to push done event",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	if reason == broker.ActionRollback {
		if err := w.runs.Delete(ctx, run.ID); err != nil {
			w.logger.Error("Failed to roll back run",
				zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	} else if err := w.runs.SetStatus(ctx, run.ID, status); err != nil {
		w.logger.Error("Failed to write terminal run status",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	metrics.RunsCompleted.WithLabelValues(status).Inc()

	threadErr := runErr
	if reason == broker.ActionRollback {
		threadErr = nil
	}
	if kwargBool(run.Kwargs, "temporary") {
		if err := w.threads.Delete(ctx, auth.NoopContext{}, run.ThreadID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Failed to delete temporary thread",
				zap.String("thread_id", run.ThreadID.String()), zap.Error(err))
		}
	} else if err := w.threads.SetStatus(ctx, run.ThreadID, checkpoint, threadErr); err != nil {
		w.logger.Error("Failed to settle thread status",
			zap.String("thread_id", run.ThreadID.String()), zap.Error(err))
	}

	if url := kwargString(run.Kwargs, "webhook"); url != "" {
		w.webhooks.Send(url, run, checkpoint, status, runErr, startedAt, time.Now())
	}
}

// patchTask replaces the matching task inside the held checkpoint.
func patchTask(cp *graph.Checkpoint, task graph.Task) {
	if cp == nil {
		return
	}
	for i := range cp.Tasks {
		if cp.Tasks[i].ID == task.ID {
			cp.Tasks[i] = task
			return
		}
	}
	cp.Tasks = append(cp.Tasks, task)
}

func kwargBool(kwargs db.JSONB, key string) bool {
	v, _ := kwargs[key].(bool)
	return v
}

func kwargString(kwargs db.JSONB, key string) string {
	v, _ := kwargs[key].(string)
	return v
}

func kwargObject(kwargs db.JSONB, key string) db.JSONB {
	if v, ok := kwargs[key].(map[string]interface{}); ok {
		return db.JSONB(v)
	}
	return nil
}
