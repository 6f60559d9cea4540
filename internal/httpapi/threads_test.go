package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
)

const selectThread = `SELECT thread_id, status, config, metadata, "values", interrupts, created_at, updated_at FROM threads WHERE thread_id = $1`

func expectThreadRow(mock sqlmock.Sqlmock, threadID uuid.UUID) {
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(selectThread)).
		WithArgs(threadID).
		WillReturnRows(sqlmock.NewRows([]string{
			"thread_id", "status", "config", "metadata", "values", "interrupts",
			"created_at", "updated_at",
		}).AddRow(threadID, db.ThreadStatusIdle, []byte(`{}`), []byte(`{}`), nil, nil, now, now))
}

func TestBulkPostThreadState(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	handler := srv.Handler()

	threadID := uuid.New()
	expectThreadRow(mock, threadID)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status IN ($2, $3)`)).
		WithArgs(threadID, db.RunStatusPending, db.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	body := strings.NewReader(`{"updates":[{"values":{"a":1}},{"values":{"b":2},"as_node":"review"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID.String()+"/state/bulk", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []graph.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, float64(2), out[1].Values["b"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkPostThreadStateRequiresUpdates(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/threads/"+uuid.New().String()+"/state/bulk",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
