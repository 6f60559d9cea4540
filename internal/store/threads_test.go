package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
)

const updateThreadStatus = `UPDATE threads SET status = $2, "values" = $3, interrupts = $4, updated_at = $5 WHERE thread_id = $1`

// Applying the same (checkpoint, exception) pair twice writes the same row
// both times.
func TestThreadsSetStatusIdempotent(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewThreadsRepo(pool, graph.NewMemCheckpointStore(), zap.NewNop())
	threadID := uuid.New()

	checkpoint := &graph.Checkpoint{
		Values: map[string]interface{}{"step": "review"},
		Next:   []string{"approve"},
		Tasks:  []graph.Task{{ID: "t1", Interrupts: []json.RawMessage{json.RawMessage(`"confirm?"`)}}},
	}
	values := []byte(`{"step":"review"}`)
	interrupts := []byte(`{"t1":["confirm?"]}`)

	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta(updateThreadStatus)).
			WithArgs(threadID, db.ThreadStatusInterrupted, values, interrupts, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, repo.SetStatus(context.Background(), threadID, checkpoint, nil))
	require.NoError(t, repo.SetStatus(context.Background(), threadID, checkpoint, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Without a checkpoint or exception the derived status depends only on the
// pending-run count, so repeating the call converges on the same row.
func TestThreadsSetStatusIdleWhenQueueEmpty(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewThreadsRepo(pool, graph.NewMemCheckpointStore(), zap.NewNop())
	threadID := uuid.New()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status = $2`)).
			WithArgs(threadID, db.RunStatusPending).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta(updateThreadStatus)).
			WithArgs(threadID, db.ThreadStatusIdle, nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, repo.SetStatus(context.Background(), threadID, nil, nil))
	require.NoError(t, repo.SetStatus(context.Background(), threadID, nil, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
