package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
)

func TestMergeConfigurable(t *testing.T) {
	assistant := db.JSONB{"configurable": map[string]interface{}{
		"model": "base", "temp": 0.2,
	}}
	thread := db.JSONB{"configurable": map[string]interface{}{
		"temp": 0.7,
	}}
	request := db.JSONB{"configurable": map[string]interface{}{
		"model": "override",
	}}

	merged := mergeConfigurable(assistant, thread, request)
	assert.Equal(t, "override", merged["model"])
	assert.Equal(t, 0.7, merged["temp"])

	// Layers without a configurable key contribute nothing.
	assert.Empty(t, mergeConfigurable(db.JSONB{"other": 1}, nil))
}

func TestRunsPutRejectsBadOptions(t *testing.T) {
	pool, _ := newMockPool(t)
	repo := NewRunsRepo(pool, broker.NewMemBroker(zap.NewNop()), nil, zap.NewNop())

	_, err := repo.Put(context.Background(), nil, uuid.New(), uuid.New(), PutRunOptions{
		MultitaskStrategy: "retry",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = repo.Put(context.Background(), nil, uuid.New(), uuid.New(), PutRunOptions{
		IfNotExists: "explode",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = repo.Put(context.Background(), nil, uuid.New(), uuid.New(), PutRunOptions{
		AfterSeconds: -1,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRunsCancelValidatesAction(t *testing.T) {
	pool, _ := newMockPool(t)
	repo := NewRunsRepo(pool, broker.NewMemBroker(zap.NewNop()), nil, zap.NewNop())

	err := repo.Cancel(context.Background(), nil, nil, []uuid.UUID{uuid.New()}, "pause")
	assert.ErrorIs(t, err, ErrValidation)
}

func runRows(runID, threadID, assistantID uuid.UUID, status, metadata string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"run_id", "thread_id", "assistant_id", "status", "metadata", "kwargs",
		"multitask_strategy", "created_at", "updated_at",
	}).AddRow(runID, threadID, assistantID, status, []byte(metadata), []byte(`{}`), "reject", now, now)
}

const selectRun = `SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at FROM runs WHERE run_id = $1`

func TestRunsCancelMissingRunIs404(t *testing.T) {
	pool, mock := newMockPool(t)
	b := broker.NewMemBroker(zap.NewNop())
	repo := NewRunsRepo(pool, b, nil, zap.NewNop())
	runID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectRun)).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	err := repo.Cancel(context.Background(), nil, nil, []uuid.UUID{runID}, broker.ActionInterrupt)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunsCancelPendingInterrupt(t *testing.T) {
	pool, mock := newMockPool(t)
	b := broker.NewMemBroker(zap.NewNop())
	threads := NewThreadsRepo(pool, graph.NewMemCheckpointStore(), zap.NewNop())
	repo := NewRunsRepo(pool, b, threads, zap.NewNop())
	runID, threadID, assistantID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectRun)).
		WithArgs(runID).
		WillReturnRows(runRows(runID, threadID, assistantID, db.RunStatusPending, `{}`))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1`)).
		WithArgs(runID, db.RunStatusInterrupted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The thread settles rather than staying busy forever.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status = $2`)).
		WithArgs(threadID, db.RunStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE threads SET status = $2, "values" = $3, interrupts = $4, updated_at = $5 WHERE thread_id = $1`)).
		WithArgs(threadID, db.ThreadStatusIdle, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Cancel(context.Background(), nil, nil, []uuid.UUID{runID}, broker.ActionInterrupt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunsCancelRunningLeavesStatus(t *testing.T) {
	pool, mock := newMockPool(t)
	b := broker.NewMemBroker(zap.NewNop())
	repo := NewRunsRepo(pool, b, nil, zap.NewNop())
	runID, threadID, assistantID := uuid.New(), uuid.New(), uuid.New()

	// A lock holder is subscribed to the control plane.
	sig, err := b.Lock(context.Background(), runID)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(selectRun)).
		WithArgs(runID).
		WillReturnRows(runRows(runID, threadID, assistantID, db.RunStatusRunning, `{}`))

	require.NoError(t, repo.Cancel(context.Background(), nil, nil, []uuid.UUID{runID}, broker.ActionInterrupt))

	// The status row is untouched; the worker observes the abort signal.
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, sig.Aborted())
	assert.Equal(t, broker.ActionInterrupt, sig.Reason())
}

func TestRunsCancelThreadScopeMismatchIs404(t *testing.T) {
	pool, mock := newMockPool(t)
	b := broker.NewMemBroker(zap.NewNop())
	repo := NewRunsRepo(pool, b, nil, zap.NewNop())
	runID, threadID, assistantID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectRun)).
		WithArgs(runID).
		WillReturnRows(runRows(runID, threadID, assistantID, db.RunStatusPending, `{}`))

	otherThread := uuid.New()
	err := repo.Cancel(context.Background(), nil, &otherThread, []uuid.UUID{runID}, broker.ActionInterrupt)
	assert.ErrorIs(t, err, ErrNotFound)
}
