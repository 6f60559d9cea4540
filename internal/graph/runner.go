// Package graph defines the interfaces the run server consumes: the graph
// executor producing events, and the checkpoint store holding thread state.
// Implementations live outside this module.
package graph

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/loomworks/loomd/internal/db"
)

// ErrDone is returned by EventStream.Next once the run produced its last
// event and completed normally.
var ErrDone = errors.New("event stream done")

// Event is one (name, data) pair produced by a run.
type Event struct {
	Name string
	Data json.RawMessage
}

// Task is one logical unit of work inside a checkpoint. A task may carry
// interrupt payloads awaiting external input.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Error      string            `json:"error,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Interrupts []json.RawMessage `json:"interrupts,omitempty"`
}

// Checkpoint is an immutable snapshot of graph state at a superstep boundary.
type Checkpoint struct {
	ID       string                 `json:"checkpoint_id,omitempty"`
	Values   map[string]interface{} `json:"values,omitempty"`
	Next     []string               `json:"next,omitempty"`
	Tasks    []Task                 `json:"tasks,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Interrupted reports whether the checkpoint paused with work outstanding.
func (c *Checkpoint) Interrupted() bool {
	return c != nil && len(c.Next) > 0
}

// RunRequest carries everything a runner needs for one attempt.
type RunRequest struct {
	Run     *db.Run
	Attempt int
	Config  db.JSONB
	Input   interface{}

	// OnCheckpoint receives each checkpoint as it is produced; the worker
	// keeps the most recent one for thread status derivation.
	OnCheckpoint func(*Checkpoint)
	// OnTaskResult patches the matching task in the held checkpoint.
	OnTaskResult func(Task)
}

// EventStream is a blocking iterator over run events. Next returns ErrDone
// after the final event; any other error aborts the run.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Runner executes a graph against a thread. Run must observe ctx promptly at
// every suspension point; cancellation reasons are conveyed by the caller.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (EventStream, error)
}

// CheckpointStore persists graph checkpoints per thread.
type CheckpointStore interface {
	GetState(ctx context.Context, threadID uuid.UUID) (*Checkpoint, error)
	UpdateState(ctx context.Context, threadID uuid.UUID, values map[string]interface{}, asNode string) (*Checkpoint, error)
	BulkUpdateState(ctx context.Context, threadID uuid.UUID, updates []StateUpdate) ([]*Checkpoint, error)
	GetStateHistory(ctx context.Context, threadID uuid.UUID, limit int) ([]*Checkpoint, error)
	CopyThread(ctx context.Context, sourceID, targetID uuid.UUID) error
	DeleteThread(ctx context.Context, threadID uuid.UUID) error
	Healthy(ctx context.Context) error
}

// StateUpdate is one element of a bulk state write.
type StateUpdate struct {
	Values map[string]interface{} `json:"values"`
	AsNode string                 `json:"as_node,omitempty"`
}
