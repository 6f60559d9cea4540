package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
)

// ThreadsRepo persists threads and derives their status from run outcomes.
type ThreadsRepo struct {
	pool        *db.Pool
	checkpoints graph.CheckpointStore
	logger      *zap.Logger
}

func NewThreadsRepo(pool *db.Pool, checkpoints graph.CheckpointStore, logger *zap.Logger) *ThreadsRepo {
	return &ThreadsRepo{pool: pool, checkpoints: checkpoints, logger: logger}
}

const threadColumns = `thread_id, status, config, metadata, "values", interrupts, created_at, updated_at`

// PutThreadOptions parameterize thread creation.
type PutThreadOptions struct {
	Config   db.JSONB
	Metadata db.JSONB
	IfExists string // raise | do_nothing, default raise
}

// Put creates a thread. if_exists follows the assistant semantics.
func (r *ThreadsRepo) Put(ctx context.Context, a auth.Context, id uuid.UUID, opts PutThreadOptions) (*db.Thread, error) {
	ifExists := opts.IfExists
	if ifExists == "" {
		ifExists = IfExistsRaise
	}
	if ifExists != IfExistsRaise && ifExists != IfExistsDoNothing {
		return nil, fmt.Errorf("%w: unknown if_exists %q", ErrValidation, ifExists)
	}

	decision, err := decide(ctx, a, auth.EventThreadsCreate, map[string]interface{}{"thread_id": id.String()})
	if err != nil {
		return nil, err
	}
	metadata := stampMetadata(opts.Metadata, decision)
	if metadata == nil {
		metadata = db.JSONB{}
	}
	if opts.Config == nil {
		opts.Config = db.JSONB{}
	}

	var out db.Thread
	now := time.Now().UTC()
	err = r.pool.GetRetry(ctx, &out, `
		INSERT INTO threads (thread_id, status, config, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (thread_id) DO NOTHING
		RETURNING `+threadColumns,
		id, db.ThreadStatusIdle, opts.Config, metadata, now)
	if errors.Is(err, sql.ErrNoRows) {
		// Row exists already.
		existing, gerr := r.Get(ctx, a, id)
		if gerr != nil {
			return nil, gerr
		}
		if ifExists == IfExistsRaise {
			return nil, fmt.Errorf("%w: thread %s already exists", ErrConflict, id)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return &out, nil
}

// Get loads a thread, enforcing the caller's metadata filter.
func (r *ThreadsRepo) Get(ctx context.Context, a auth.Context, id uuid.UUID) (*db.Thread, error) {
	decision, err := decide(ctx, a, auth.EventThreadsRead, map[string]interface{}{"thread_id": id.String()})
	if err != nil {
		return nil, err
	}
	var out db.Thread
	err = r.pool.GetRetry(ctx, &out, `SELECT `+threadColumns+` FROM threads WHERE thread_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if !Matches(out.Metadata, decision.Filter) {
		return nil, ErrNotFound
	}
	return &out, nil
}

// Patch merges config and metadata into the thread.
func (r *ThreadsRepo) Patch(ctx context.Context, a auth.Context, id uuid.UUID, config, metadata db.JSONB) (*db.Thread, error) {
	if _, err := r.Get(ctx, a, id); err != nil {
		return nil, err
	}
	decision, err := decide(ctx, a, auth.EventThreadsUpdate, map[string]interface{}{"thread_id": id.String()})
	if err != nil {
		return nil, err
	}
	metadata = stampMetadata(metadata, decision)

	var out db.Thread
	err = r.pool.GetRetry(ctx, &out, `
		UPDATE threads
		SET config = config || $2, metadata = metadata || $3, updated_at = $4
		WHERE thread_id = $1
		RETURNING `+threadColumns,
		id, orEmpty(config), orEmpty(metadata), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patch thread: %w", err)
	}
	return &out, nil
}

func orEmpty(j db.JSONB) db.JSONB {
	if j == nil {
		return db.JSONB{}
	}
	return j
}

// Delete removes the thread, its runs (FK cascade) and its checkpoints.
func (r *ThreadsRepo) Delete(ctx context.Context, a auth.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, a, id); err != nil {
		return err
	}
	res, err := r.pool.ExecRetry(ctx, `DELETE FROM threads WHERE thread_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.checkpoints.DeleteThread(ctx, id); err != nil {
		r.logger.Warn("Failed to delete thread checkpoints",
			zap.String("thread_id", id.String()), zap.Error(err))
	}
	return nil
}

var threadSortColumns = map[string]string{
	"":           "created_at",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"status":     "status",
}

// Search returns matching threads and the pre-pagination total.
func (r *ThreadsRepo) Search(ctx context.Context, a auth.Context, opts SearchOptions) ([]db.Thread, int, error) {
	decision, err := decide(ctx, a, auth.EventThreadsSearch, nil)
	if err != nil {
		return nil, 0, err
	}
	orderBy, err := sortClause(threadSortColumns, opts.SortBy, opts.SortOrder)
	if err != nil {
		return nil, 0, err
	}

	where := []string{"TRUE"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Status != "" {
		where = append(where, "status = "+arg(opts.Status))
	}
	if len(opts.Metadata) > 0 {
		where = append(where, "metadata @> "+arg(mustJSON(opts.Metadata)))
	}
	if len(decision.Filter) > 0 {
		where = append(where, "metadata @> "+arg(mustJSON(decision.Filter)))
	}

	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total
		FROM threads
		WHERE %s
		ORDER BY %s
		LIMIT %s OFFSET %s`,
		threadColumns, strings.Join(where, " AND "), orderBy, arg(limit), arg(opts.Offset))

	rows := []struct {
		db.Thread
		Total int `db:"total"`
	}{}
	if err := r.pool.SelectRetry(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("search threads: %w", err)
	}
	out := make([]db.Thread, 0, len(rows))
	total := 0
	for _, row := range rows {
		out = append(out, row.Thread)
		total = row.Total
	}
	return out, total, nil
}

// SetStatus derives and writes the thread status after a run attempt:
// error when the attempt failed outside an abort, interrupted when the last
// checkpoint paused with outstanding work, busy while another pending run
// waits, otherwise idle. Values and interrupts mirror the checkpoint.
// Idempotent for a fixed (checkpoint, exception) pair.
func (r *ThreadsRepo) SetStatus(ctx context.Context, threadID uuid.UUID, checkpoint *graph.Checkpoint, exception error) error {
	status := db.ThreadStatusIdle
	switch {
	case exception != nil:
		status = db.ThreadStatusError
	case checkpoint != nil && checkpoint.Interrupted():
		status = db.ThreadStatusInterrupted
	default:
		var pending int
		if err := r.pool.GetRetry(ctx, &pending,
			`SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status = $2`,
			threadID, db.RunStatusPending); err != nil {
			return fmt.Errorf("count pending runs: %w", err)
		}
		if pending > 0 {
			status = db.ThreadStatusBusy
		}
	}

	var values db.JSONB
	var interrupts db.JSONB
	if checkpoint != nil {
		values = db.JSONB(checkpoint.Values)
		interrupts = reduceInterrupts(checkpoint)
	}

	_, err := r.pool.ExecRetry(ctx, `
		UPDATE threads
		SET status = $2, "values" = $3, interrupts = $4, updated_at = $5
		WHERE thread_id = $1`,
		threadID, status, values, interrupts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set thread status: %w", err)
	}
	return nil
}

// reduceInterrupts maps taskID -> interrupt payloads from checkpoint tasks.
func reduceInterrupts(checkpoint *graph.Checkpoint) db.JSONB {
	out := db.JSONB{}
	for _, task := range checkpoint.Tasks {
		if len(task.Interrupts) == 0 {
			continue
		}
		payloads := make([]interface{}, 0, len(task.Interrupts))
		for _, raw := range task.Interrupts {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				v = string(raw)
			}
			payloads = append(payloads, v)
		}
		out[task.ID] = payloads
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Copy duplicates the thread's metadata and full checkpoint history into a
// fresh thread inside one transaction.
func (r *ThreadsRepo) Copy(ctx context.Context, a auth.Context, sourceID uuid.UUID) (*db.Thread, error) {
	src, err := r.Get(ctx, a, sourceID)
	if err != nil {
		return nil, err
	}
	decision, err := decide(ctx, a, auth.EventThreadsCreate, map[string]interface{}{"thread_id": sourceID.String()})
	if err != nil {
		return nil, err
	}

	targetID := uuid.New()
	metadata := src.Metadata.Clone()
	if metadata == nil {
		metadata = db.JSONB{}
	}
	metadata["thread_id"] = targetID.String()
	metadata = stampMetadata(metadata, decision)

	var out db.Thread
	err = r.pool.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if err := tx.GetContext(ctx, &out, `
			INSERT INTO threads (thread_id, status, config, metadata, "values", interrupts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING `+threadColumns,
			targetID, db.ThreadStatusIdle, src.Config, metadata, src.Values, src.Interrupts, now,
		); err != nil {
			return fmt.Errorf("insert thread copy: %w", err)
		}
		if err := r.checkpoints.CopyThread(ctx, sourceID, targetID); err != nil {
			return fmt.Errorf("copy checkpoints: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetState reads the thread's current checkpoint.
func (r *ThreadsRepo) GetState(ctx context.Context, a auth.Context, id uuid.UUID) (*graph.Checkpoint, error) {
	if _, err := r.Get(ctx, a, id); err != nil {
		return nil, err
	}
	cp, err := r.checkpoints.GetState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return cp, nil
}

// PostState writes a state update. Conflicts while a run is inflight.
func (r *ThreadsRepo) PostState(ctx context.Context, a auth.Context, id uuid.UUID, values map[string]interface{}, asNode string) (*graph.Checkpoint, error) {
	if _, err := r.Get(ctx, a, id); err != nil {
		return nil, err
	}
	if err := r.ensureNoInflight(ctx, id); err != nil {
		return nil, err
	}
	cp, err := r.checkpoints.UpdateState(ctx, id, values, asNode)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}
	return cp, nil
}

// BulkPostState applies several state updates in order.
func (r *ThreadsRepo) BulkPostState(ctx context.Context, a auth.Context, id uuid.UUID, updates []graph.StateUpdate) ([]*graph.Checkpoint, error) {
	if _, err := r.Get(ctx, a, id); err != nil {
		return nil, err
	}
	if err := r.ensureNoInflight(ctx, id); err != nil {
		return nil, err
	}
	cps, err := r.checkpoints.BulkUpdateState(ctx, id, updates)
	if err != nil {
		return nil, fmt.Errorf("bulk update state: %w", err)
	}
	return cps, nil
}

// GetHistory lists checkpoints, most recent first.
func (r *ThreadsRepo) GetHistory(ctx context.Context, a auth.Context, id uuid.UUID, limit int) ([]*graph.Checkpoint, error) {
	if _, err := r.Get(ctx, a, id); err != nil {
		return nil, err
	}
	cps, err := r.checkpoints.GetStateHistory(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("get state history: %w", err)
	}
	return cps, nil
}

func (r *ThreadsRepo) ensureNoInflight(ctx context.Context, id uuid.UUID) error {
	var inflight int
	if err := r.pool.GetRetry(ctx, &inflight,
		`SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status IN ($2, $3)`,
		id, db.RunStatusPending, db.RunStatusRunning); err != nil {
		return fmt.Errorf("count inflight runs: %w", err)
	}
	if inflight > 0 {
		return fmt.Errorf("%w: thread %s has inflight runs", ErrConflict, id)
	}
	return nil
}
