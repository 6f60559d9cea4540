package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Clone returns a shallow copy; nested values are shared.
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// Merge returns j overlaid with other (top-level jsonb || semantics).
func (j JSONB) Merge(other JSONB) JSONB {
	out := j.Clone()
	if out == nil {
		out = make(JSONB, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Run status values
const (
	RunStatusPending     = "pending"
	RunStatusRunning     = "running"
	RunStatusSuccess     = "success"
	RunStatusError       = "error"
	RunStatusInterrupted = "interrupted"
)

// TerminalRunStatus reports whether a run status can no longer change.
func TerminalRunStatus(status string) bool {
	switch status {
	case RunStatusSuccess, RunStatusError, RunStatusInterrupted:
		return true
	}
	return false
}

// Thread status values
const (
	ThreadStatusIdle        = "idle"
	ThreadStatusBusy        = "busy"
	ThreadStatusInterrupted = "interrupted"
	ThreadStatusError       = "error"
)

// Multitask strategies control what happens when a new run arrives for a
// thread that already has inflight work. "enqueue" is stored but carries no
// scheduling behavior yet.
const (
	MultitaskReject    = "reject"
	MultitaskRollback  = "rollback"
	MultitaskInterrupt = "interrupt"
	MultitaskEnqueue   = "enqueue"
)

// ValidMultitaskStrategy reports whether s is a known strategy.
func ValidMultitaskStrategy(s string) bool {
	switch s {
	case MultitaskReject, MultitaskRollback, MultitaskInterrupt, MultitaskEnqueue:
		return true
	}
	return false
}

// Assistant is a bound configuration of a graph. The row always reflects the
// current version; every version ever allocated lives in assistant_versions.
type Assistant struct {
	ID          uuid.UUID `db:"assistant_id"`
	GraphID     string    `db:"graph_id"`
	Name        string    `db:"name"`
	Description *string   `db:"description"`
	Config      JSONB     `db:"config"`
	Context     JSONB     `db:"context"`
	Metadata    JSONB     `db:"metadata"`
	Version     int       `db:"version"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// AssistantVersion is an immutable historical snapshot of an assistant.
type AssistantVersion struct {
	AssistantID uuid.UUID `db:"assistant_id"`
	Version     int       `db:"version"`
	GraphID     string    `db:"graph_id"`
	Name        string    `db:"name"`
	Description *string   `db:"description"`
	Config      JSONB     `db:"config"`
	Context     JSONB     `db:"context"`
	Metadata    JSONB     `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
}

// Thread is a stateful conversational context. Status is derived after each
// run attempt; Values and Interrupts mirror the latest checkpoint.
type Thread struct {
	ID         uuid.UUID `db:"thread_id"`
	Status     string    `db:"status"`
	Config     JSONB     `db:"config"`
	Metadata   JSONB     `db:"metadata"`
	Values     JSONB     `db:"values"`
	Interrupts JSONB     `db:"interrupts"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Run is one execution of a graph against a thread.
type Run struct {
	ID                uuid.UUID `db:"run_id"`
	ThreadID          uuid.UUID `db:"thread_id"`
	AssistantID       uuid.UUID `db:"assistant_id"`
	Status            string    `db:"status"`
	Metadata          JSONB     `db:"metadata"`
	Kwargs            JSONB     `db:"kwargs"`
	MultitaskStrategy string    `db:"multitask_strategy"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// AttemptKey returns the metadata key holding the claim counter for a run.
func AttemptKey(runID uuid.UUID) string {
	return "retry:" + runID.String()
}

// Attempts reads the claim counter from run metadata.
func (r *Run) Attempts() int {
	if r.Metadata == nil {
		return 0
	}
	switch v := r.Metadata[AttemptKey(r.ID)].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
