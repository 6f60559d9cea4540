package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/metrics"
)

// IfNotExists policies for RunsRepo.Put when the thread is missing.
const (
	IfNotExistsCreate = "create"
	IfNotExistsReject = "reject"
)

// RunsRepo persists runs and owns the claim protocol shared by scheduler
// workers.
type RunsRepo struct {
	pool    *db.Pool
	broker  broker.Broker
	threads *ThreadsRepo
	logger  *zap.Logger
}

func NewRunsRepo(pool *db.Pool, b broker.Broker, threads *ThreadsRepo, logger *zap.Logger) *RunsRepo {
	return &RunsRepo{pool: pool, broker: b, threads: threads, logger: logger}
}

const runColumns = `run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at`

// PutRunOptions parameterize run creation.
type PutRunOptions struct {
	ThreadID          *uuid.UUID
	Input             interface{}
	Config            db.JSONB
	Context           db.JSONB
	Metadata          db.JSONB
	MultitaskStrategy string
	IfNotExists       string // create | reject, default create
	AfterSeconds      int
	Webhook           string
	StreamResumable   bool
	Temporary         bool
	// PreventInsertInInflight returns the inflight set without inserting
	// when the thread already has pending or running runs (reject strategy).
	PreventInsertInInflight bool
}

// Put creates a run in one transaction: load assistant, get-or-create the
// thread, honor the inflight guard, merge configurable and metadata, insert
// the row with delayed created_at, and mark the thread busy. Returns the new
// run followed by any inflight runs; under the inflight guard the new run is
// absent and only the inflight set returns.
func (r *RunsRepo) Put(ctx context.Context, a auth.Context, runID, assistantID uuid.UUID, opts PutRunOptions) ([]db.Run, error) {
	strategy := opts.MultitaskStrategy
	if strategy == "" {
		strategy = db.MultitaskReject
	}
	if !db.ValidMultitaskStrategy(strategy) {
		return nil, fmt.Errorf("%w: unknown multitask_strategy %q", ErrValidation, strategy)
	}
	ifNotExists := opts.IfNotExists
	if ifNotExists == "" {
		ifNotExists = IfNotExistsCreate
	}
	if ifNotExists != IfNotExistsCreate && ifNotExists != IfNotExistsReject {
		return nil, fmt.Errorf("%w: unknown if_not_exists %q", ErrValidation, ifNotExists)
	}
	if opts.AfterSeconds < 0 {
		return nil, fmt.Errorf("%w: after_seconds must be >= 0", ErrValidation)
	}

	decision, err := decide(ctx, a, auth.EventThreadsCreateRun, map[string]interface{}{
		"run_id":       runID.String(),
		"assistant_id": assistantID.String(),
	})
	if err != nil {
		return nil, err
	}

	var out []db.Run
	inserted := false
	err = r.pool.WithTx(ctx, func(tx *sqlx.Tx) error {
		// 1. Assistant must exist and be visible.
		var assistant db.Assistant
		err := tx.GetContext(ctx, &assistant,
			`SELECT `+assistantColumns+` FROM assistants WHERE assistant_id = $1`, assistantID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load assistant: %w", err)
		}
		if !Matches(assistant.Metadata, decision.Filter) {
			return ErrNotFound
		}

		// 2. Thread: load, or create when absent and allowed.
		threadID := uuid.New()
		explicitThread := opts.ThreadID != nil
		if explicitThread {
			threadID = *opts.ThreadID
		}
		var thread db.Thread
		err = tx.GetContext(ctx, &thread,
			`SELECT `+threadColumns+` FROM threads WHERE thread_id = $1 FOR UPDATE`, threadID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if explicitThread && ifNotExists != IfNotExistsCreate {
				return ErrNotFound
			}
			threadMeta := stampMetadata(db.JSONB{}, decision)
			now := time.Now().UTC()
			if err := tx.GetContext(ctx, &thread, `
				INSERT INTO threads (thread_id, status, config, metadata, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)
				RETURNING `+threadColumns,
				threadID, db.ThreadStatusIdle, db.JSONB{}, threadMeta, now,
			); err != nil {
				return fmt.Errorf("create thread: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load thread: %w", err)
		default:
			if !Matches(thread.Metadata, decision.Filter) {
				return ErrNotFound
			}
		}

		// 3. Inflight runs on the thread.
		var inflight []db.Run
		if err := tx.SelectContext(ctx, &inflight, `
			SELECT `+runColumns+` FROM runs
			WHERE thread_id = $1 AND status IN ($2, $3)
			ORDER BY created_at ASC`,
			threadID, db.RunStatusPending, db.RunStatusRunning,
		); err != nil {
			return fmt.Errorf("load inflight runs: %w", err)
		}
		if opts.PreventInsertInInflight && len(inflight) > 0 {
			out = inflight
			return nil
		}

		// 4. Merge configurable and metadata.
		configurable := mergeConfigurable(assistant.Config, thread.Config, opts.Config)
		configurable["run_id"] = runID.String()
		configurable["thread_id"] = threadID.String()
		configurable["graph_id"] = assistant.GraphID
		configurable["assistant_id"] = assistantID.String()
		if a != nil && a.UserID() != "" {
			configurable["user_id"] = a.UserID()
		}
		config := opts.Config.Clone()
		if config == nil {
			config = db.JSONB{}
		}
		config["configurable"] = map[string]interface{}(configurable)

		metadata := assistant.Metadata.Merge(thread.Metadata).Merge(opts.Metadata)
		metadata = stampMetadata(metadata, decision)
		if metadata == nil {
			metadata = db.JSONB{}
		}

		kwargs := db.JSONB{
			"input":            opts.Input,
			"config":           map[string]interface{}(config),
			"stream_resumable": opts.StreamResumable,
		}
		if opts.Context != nil {
			kwargs["context"] = map[string]interface{}(opts.Context)
		}
		if opts.Webhook != "" {
			kwargs["webhook"] = opts.Webhook
		}
		if opts.Temporary {
			kwargs["temporary"] = true
		}

		// 5. Insert the run (created_at may be in the future) and mark the
		// thread busy.
		now := time.Now().UTC()
		createdAt := now.Add(time.Duration(opts.AfterSeconds) * time.Second)
		var run db.Run
		if err := tx.GetContext(ctx, &run, `
			INSERT INTO runs (run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+runColumns,
			runID, threadID, assistantID, db.RunStatusPending, metadata, kwargs, strategy, createdAt, now,
		); err != nil {
			if uniqueViolation(err) {
				return fmt.Errorf("%w: run %s already exists", ErrConflict, runID)
			}
			return fmt.Errorf("insert run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET status = $2, updated_at = $3 WHERE thread_id = $1`,
			threadID, db.ThreadStatusBusy, now,
		); err != nil {
			return fmt.Errorf("mark thread busy: %w", err)
		}

		// 6. New run first, then the inflight set.
		out = append([]db.Run{run}, inflight...)
		inserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if inserted {
		metrics.RunsCreated.Inc()
	}
	return out, nil
}

func mergeConfigurable(layers ...db.JSONB) db.JSONB {
	merged := db.JSONB{}
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if c, ok := layer["configurable"].(map[string]interface{}); ok {
			merged = merged.Merge(db.JSONB(c))
		}
	}
	return merged
}

// Get loads a run, enforcing the caller's metadata filter.
func (r *RunsRepo) Get(ctx context.Context, a auth.Context, runID uuid.UUID) (*db.Run, error) {
	decision, err := decide(ctx, a, auth.EventRunsRead, map[string]interface{}{"run_id": runID.String()})
	if err != nil {
		return nil, err
	}
	var out db.Run
	err = r.pool.GetRetry(ctx, &out, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if !Matches(out.Metadata, decision.Filter) {
		return nil, ErrNotFound
	}
	return &out, nil
}

// List returns a thread's runs, newest first.
func (r *RunsRepo) List(ctx context.Context, a auth.Context, threadID uuid.UUID, limit, offset int) ([]db.Run, error) {
	if _, err := r.threads.Get(ctx, a, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []db.Run
	err := r.pool.SelectRetry(ctx, &out, `
		SELECT `+runColumns+` FROM runs WHERE thread_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, threadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Claim is one scheduled run attempt handed to a worker. The worker owns the
// broker lock until it calls Release.
type Claim struct {
	Run     db.Run
	Attempt int
	Signal  *broker.CancelSignal
}

// Next scans pending, due runs in created_at order and claims the first
// eligible one: not locked by any process, still pending after the lock, and
// with no running sibling on its thread. Returns nil when nothing is
// claimable right now.
func (r *RunsRepo) Next(ctx context.Context) (*Claim, error) {
	var candidates []db.Run
	err := r.pool.SelectRetry(ctx, &candidates, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND created_at < now()
		ORDER BY created_at ASC
		LIMIT 100`, db.RunStatusPending)
	if err != nil {
		return nil, fmt.Errorf("scan pending runs: %w", err)
	}
	metrics.PendingRuns.Set(float64(len(candidates)))

	for _, row := range candidates {
		if r.broker.IsLocked(ctx, row.ID) {
			continue
		}
		signal, err := r.broker.Lock(ctx, row.ID)
		if errors.Is(err, broker.ErrLocked) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock run: %w", err)
		}

		claim, err := r.claimLocked(ctx, row)
		if err != nil || claim == nil {
			r.broker.Unlock(row.ID)
			if err != nil {
				return nil, err
			}
			continue
		}
		claim.Signal = signal
		return claim, nil
	}
	return nil, nil
}

// claimLocked re-checks the row under the lock and transitions it to
// running, incrementing the attempt counter atomically.
func (r *RunsRepo) claimLocked(ctx context.Context, row db.Run) (*Claim, error) {
	var status string
	err := r.pool.GetRetry(ctx, &status, `SELECT status FROM runs WHERE run_id = $1`, row.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // cancelled out from under us
	}
	if err != nil {
		return nil, fmt.Errorf("recheck run status: %w", err)
	}
	if status != db.RunStatusPending {
		return nil, nil // lost the race
	}

	var running int
	if err := r.pool.GetRetry(ctx, &running, `
		SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status = $2`,
		row.ThreadID, db.RunStatusRunning); err != nil {
		return nil, fmt.Errorf("count running runs: %w", err)
	}
	if running > 0 {
		return nil, nil // per-thread mutual exclusion
	}

	attempt := row.Attempts() + 1
	attemptPatch := mustJSON(map[string]int{db.AttemptKey(row.ID): attempt})
	var claimed db.Run
	err = r.pool.GetRetry(ctx, &claimed, `
		UPDATE runs
		SET status = $2, metadata = metadata || $3, updated_at = $4
		WHERE run_id = $1 AND status = $5
		RETURNING `+runColumns,
		row.ID, db.RunStatusRunning, attemptPatch, time.Now().UTC(), db.RunStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return &Claim{Run: claimed, Attempt: attempt}, nil
}

// SetStatus writes a run's status.
func (r *RunsRepo) SetStatus(ctx context.Context, runID uuid.UUID, status string) error {
	_, err := r.pool.ExecRetry(ctx, `
		UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1`,
		runID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return nil
}

// Delete removes a run row and drops its stream.
func (r *RunsRepo) Delete(ctx context.Context, runID uuid.UUID) error {
	if _, err := r.pool.ExecRetry(ctx, `DELETE FROM runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	r.broker.Drop(runID)
	return nil
}

// Cancel aborts the given runs with action interrupt or rollback. Pending
// runs transition immediately (rollback before any schedule deletes the
// row); running runs are aborted through the control plane and keep their
// status until the worker observes the signal. Returns ErrNotFound if ANY
// requested run is missing after authorization filtering.
func (r *RunsRepo) Cancel(ctx context.Context, a auth.Context, threadID *uuid.UUID, runIDs []uuid.UUID, action string) error {
	if action != broker.ActionInterrupt && action != broker.ActionRollback {
		return fmt.Errorf("%w: unknown cancel action %q", ErrValidation, action)
	}
	decision, err := decide(ctx, a, auth.EventRunsCancel, nil)
	if err != nil {
		return err
	}

	missing := false
	for _, runID := range runIDs {
		var run db.Run
		err := r.pool.GetRetry(ctx, &run, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
		if errors.Is(err, sql.ErrNoRows) {
			missing = true
			continue
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if threadID != nil && run.ThreadID != *threadID {
			missing = true
			continue
		}
		if !Matches(run.Metadata, decision.Filter) {
			missing = true
			continue
		}

		localControl := r.broker.GetControl(runID)
		if err := r.broker.PublishControl(ctx, runID, action); err != nil {
			r.logger.Warn("Failed to publish control signal",
				zap.String("run_id", runID.String()), zap.Error(err))
		}

		switch {
		case run.Status == db.RunStatusPending && action == broker.ActionRollback && localControl == nil:
			// Never scheduled: erase the run entirely.
			if err := r.Delete(ctx, runID); err != nil {
				return err
			}
			if err := r.threads.SetStatus(ctx, run.ThreadID, nil, nil); err != nil {
				r.logger.Warn("Failed to settle thread status after rollback",
					zap.String("thread_id", run.ThreadID.String()), zap.Error(err))
			}
		case run.Status == db.RunStatusPending:
			if err := r.SetStatus(ctx, runID, db.RunStatusInterrupted); err != nil {
				return err
			}
			if err := r.threads.SetStatus(ctx, run.ThreadID, nil, nil); err != nil {
				r.logger.Warn("Failed to settle thread status after interrupt",
					zap.String("thread_id", run.ThreadID.String()), zap.Error(err))
			}
		case db.TerminalRunStatus(run.Status) && action == broker.ActionRollback:
			patch := mustJSON(map[string]bool{"rolled_back": true})
			if _, err := r.pool.ExecRetry(ctx, `
				UPDATE runs SET status = $2, metadata = metadata || $3, updated_at = $4
				WHERE run_id = $1`,
				runID, db.RunStatusError, patch, time.Now().UTC()); err != nil {
				return fmt.Errorf("mark run rolled back: %w", err)
			}
		default:
			// Running: the worker observes the signal and settles status.
		}
	}

	if missing {
		return ErrNotFound
	}
	return nil
}

// JoinResult is the terminal outcome of Join: the last values payload, or a
// serialized error under "__error__".
type JoinResult map[string]interface{}

// Join consumes the run's stream until it reaches a terminal status and
// returns the final values. Safe to call before, during, or after execution.
func (r *RunsRepo) Join(ctx context.Context, a auth.Context, runID uuid.UUID) (JoinResult, error) {
	if _, err := r.Get(ctx, a, runID); err != nil {
		return nil, err
	}

	var lastValues map[string]interface{}
	var lastErr string
	var cursor uint64

	for {
		events, err := r.broker.Get(ctx, runID, broker.GetOptions{
			Timeout:     2 * time.Second,
			LastEventID: cursor,
		})
		if err != nil && !errors.Is(err, broker.ErrGetTimeout) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		done := false
		for _, ev := range events {
			if ev.Seq > cursor {
				cursor = ev.Seq
			}
			name := broker.EventName(ev.Topic)
			switch name {
			case "control":
				done = true
			case "values":
				var v map[string]interface{}
				if jsonErr := json.Unmarshal(ev.Data, &v); jsonErr == nil {
					lastValues = v
				}
			case "error":
				lastErr = string(ev.Data)
			}
		}
		if done {
			break
		}

		run, err := r.Get(ctx, a, runID)
		if errors.Is(err, ErrNotFound) {
			break // rolled back
		}
		if err != nil {
			return nil, err
		}
		if db.TerminalRunStatus(run.Status) && len(events) == 0 {
			break
		}
	}

	if lastErr != "" {
		return JoinResult{"__error__": lastErr}, nil
	}
	return JoinResult(lastValues), nil
}

// Running returns all runs currently marked running, for the crash sweeper.
func (r *RunsRepo) Running(ctx context.Context) ([]db.Run, error) {
	var out []db.Run
	err := r.pool.SelectRetry(ctx, &out,
		`SELECT `+runColumns+` FROM runs WHERE status = $1`, db.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	return out, nil
}

// Requeue returns an orphaned running run to pending so another worker can
// claim it, or fails it when the attempt budget is spent.
func (r *RunsRepo) Requeue(ctx context.Context, run db.Run, maxAttempts int) error {
	status := db.RunStatusPending
	if run.Attempts() >= maxAttempts {
		status = db.RunStatusError
	}
	_, err := r.pool.ExecRetry(ctx, `
		UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1 AND status = $4`,
		run.ID, status, time.Now().UTC(), db.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	return nil
}

// Release hands the claim lock back to the broker.
func (r *RunsRepo) Release(runID uuid.UUID) {
	r.broker.Unlock(runID)
}
