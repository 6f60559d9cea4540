package httpapi

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loomd/internal/db"
)

// An omitted or empty cancel body defaults to the interrupt action; the
// pending run transitions and its thread settles.
func TestCancelRunDefaultsToInterrupt(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	handler := srv.Handler()

	runID, threadID := uuid.New(), uuid.New()
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(selectRun)).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "thread_id", "assistant_id", "status", "metadata", "kwargs",
			"multitask_strategy", "created_at", "updated_at",
		}).AddRow(runID, threadID, uuid.New(), db.RunStatusPending, []byte(`{}`), []byte(`{}`), "reject", now, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1`)).
		WithArgs(runID, db.RunStatusInterrupted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM runs WHERE thread_id = $1 AND status = $2`)).
		WithArgs(threadID, db.RunStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE threads SET status = $2, "values" = $3, interrupts = $4, updated_at = $5 WHERE thread_id = $1`)).
		WithArgs(threadID, db.ThreadStatusIdle, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/runs/"+runID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The cancel action comes from the JSON body, not the query string.
func TestCancelRunRejectsUnknownBodyAction(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/runs/"+uuid.New().String()+"/cancel",
		strings.NewReader(`{"action":"pause"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancelThreadRunsRequiresRunIDs(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/threads/"+uuid.New().String()+"/runs/cancel",
		strings.NewReader(`{"action":"interrupt"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
