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

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/db"
)

func newMockPool(t *testing.T) (*db.Pool, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return db.NewPoolFromDB(raw, zap.NewNop()), mock
}

func assistantRows(id uuid.UUID, metadata string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"assistant_id", "graph_id", "name", "description", "config", "context",
		"metadata", "version", "created_at", "updated_at",
	}).AddRow(id, "agent", "demo", nil, []byte(`{}`), nil, []byte(metadata), 1, now, now)
}

const selectAssistant = `SELECT assistant_id, graph_id, name, description, config, context, metadata, version, created_at, updated_at FROM assistants WHERE assistant_id = $1`

func TestAssistantsGet(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewAssistantsRepo(pool, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectAssistant)).
		WithArgs(id).
		WillReturnRows(assistantRows(id, `{"owner":"alice"}`))

	out, err := repo.Get(context.Background(), nil, id)
	require.NoError(t, err)
	assert.Equal(t, id, out.ID)
	assert.Equal(t, "agent", out.GraphID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssistantsGetNotFound(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewAssistantsRepo(pool, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectAssistant)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"assistant_id"}))

	_, err := repo.Get(context.Background(), nil, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A caller whose filter does not contain the row's metadata sees not-found,
// never a permission error.
func TestAssistantsGetFilteredAsNotFound(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewAssistantsRepo(pool, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectAssistant)).
		WithArgs(id).
		WillReturnRows(assistantRows(id, `{"owner":"alice"}`))

	caller := filterContext{filter: map[string]interface{}{"owner": "bob"}}
	_, err := repo.Get(context.Background(), caller, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssistantsPutValidation(t *testing.T) {
	pool, _ := newMockPool(t)
	repo := NewAssistantsRepo(pool, zap.NewNop())

	_, err := repo.Put(context.Background(), nil, uuid.New(), PutAssistantOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = repo.Put(context.Background(), nil, uuid.New(), PutAssistantOptions{
		GraphID:  "agent",
		IfExists: "replace",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

// Patch allocates MAX(version)+1 so versions stay dense even after the
// current row was pointed back at an older version.
func TestAssistantsPatchAllocatesNextVersion(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewAssistantsRepo(pool, zap.NewNop())
	id := uuid.New()
	now := time.Now()
	name := "renamed"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectAssistant + ` FOR UPDATE`)).
		WithArgs(id).
		WillReturnRows(assistantRows(id, `{}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM assistant_versions WHERE assistant_id = $1`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE assistants SET graph_id = $2, name = $3, description = $4, config = $5, context = $6, metadata = metadata || $7, version = $8, updated_at = $9 WHERE assistant_id = $1 RETURNING`)).
		WithArgs(id, "agent", name, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 4, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"assistant_id", "graph_id", "name", "description", "config", "context",
			"metadata", "version", "created_at", "updated_at",
		}).AddRow(id, "agent", name, nil, []byte(`{}`), nil, []byte(`{}`), 4, now, now))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO assistant_versions`)).
		WithArgs(id, 4, "agent", name, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := repo.Patch(context.Background(), nil, id, PatchAssistantOptions{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// SetLatest restores a historical version without allocating a new one.
func TestAssistantsSetLatestAllocatesNoVersion(t *testing.T) {
	pool, mock := newMockPool(t)
	repo := NewAssistantsRepo(pool, zap.NewNop())
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectAssistant + ` FOR UPDATE`)).
		WithArgs(id).
		WillReturnRows(assistantRows(id, `{}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT assistant_id, version, graph_id, name, description, config, context, metadata, created_at FROM assistant_versions WHERE assistant_id = $1 AND version = $2`)).
		WithArgs(id, 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"assistant_id", "version", "graph_id", "name", "description", "config",
			"context", "metadata", "created_at",
		}).AddRow(id, 2, "agent", "demo", nil, []byte(`{}`), nil, []byte(`{}`), now))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE assistants SET graph_id = $2, name = $3, description = $4, config = $5, context = $6, metadata = $7, version = $8, updated_at = $9 WHERE assistant_id = $1 RETURNING`)).
		WithArgs(id, "agent", "demo", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"assistant_id", "graph_id", "name", "description", "config", "context",
			"metadata", "version", "created_at", "updated_at",
		}).AddRow(id, "agent", "demo", nil, []byte(`{}`), nil, []byte(`{}`), 2, now, now))
	mock.ExpectCommit()

	out, err := repo.SetLatest(context.Background(), nil, id, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Version)
	// No assistant_versions insert happened inside the transaction.
	assert.NoError(t, mock.ExpectationsWereMet())
}

// filterContext is a fixed-decision auth context for repo tests.
type filterContext struct {
	filter  map[string]interface{}
	mutable map[string]interface{}
}

func (c filterContext) Handle(context.Context, string, map[string]interface{}) (auth.Decision, error) {
	return auth.Decision{Filter: c.filter, Mutable: c.mutable}, nil
}

func (filterContext) UserID() string { return "tester" }

func TestStampMetadata(t *testing.T) {
	d := auth.Decision{Mutable: map[string]interface{}{"owner": "alice"}}

	out := stampMetadata(db.JSONB{"k": "v"}, d)
	assert.Equal(t, db.JSONB{"k": "v", "owner": "alice"}, out)

	// Mutable overrides win over caller-supplied values.
	out = stampMetadata(db.JSONB{"owner": "mallory"}, d)
	assert.Equal(t, "alice", out["owner"])

	assert.Equal(t, db.JSONB{"k": "v"}, stampMetadata(db.JSONB{"k": "v"}, auth.Decision{}))
}
