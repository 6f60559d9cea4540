// Package broker implements the per-run event log shared by workers (single
// producer) and SSE subscribers (many consumers), plus the control plane used
// to abort in-flight runs from any process.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Control actions carried by a CancelSignal. "done" is internal: it releases
// control-channel subscriptions when a run finishes normally.
const (
	ActionInterrupt = "interrupt"
	ActionRollback  = "rollback"
	ActionDone      = "done"
)

var (
	// ErrGetTimeout is returned when no event arrives within the Get timeout.
	ErrGetTimeout = errors.New("stream read timed out")
	// ErrStreamGap is returned when a reader observes missing sequence ids,
	// e.g. after distributed stream truncation. The read must terminate.
	ErrStreamGap = errors.New("gap in stream sequence")
	// ErrLocked is returned when a run's claim lock is already held.
	ErrLocked = errors.New("run is locked")
)

// StreamEvent is one ordered entry in a run's log.
type StreamEvent struct {
	Seq   uint64 `json:"seq"`
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// StreamTopic builds the topic for a named graph event of a run.
func StreamTopic(runID uuid.UUID, event string) string {
	return fmt.Sprintf("run:%s:stream:%s", runID, event)
}

// ControlTopic builds the control topic of a run.
func ControlTopic(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s:control", runID)
}

// EventName extracts the SSE event name from a topic: the graph event name
// for stream topics, "control" for the control topic.
func EventName(topic string) string {
	if i := strings.LastIndex(topic, ":stream:"); i >= 0 {
		return topic[i+len(":stream:"):]
	}
	return "control"
}

// GetOptions parameterize a blocking read.
type GetOptions struct {
	// Timeout bounds the wait for the next event.
	Timeout time.Duration
	// LastEventID resumes after the given sequence id (resumable queues
	// only). Zero reads from the start.
	LastEventID uint64
}

// Broker is the stream broker contract. Two implementations exist: MemBroker
// for single-process deployments and RedisBroker for clusters.
type Broker interface {
	// EnsureQueue creates the run's queue lazily and fixes its retention
	// mode. The first caller wins; later calls do not change the mode.
	EnsureQueue(runID uuid.UUID, resumable bool)

	// Push appends an event to the run's log and assigns its sequence id.
	// Only the worker owning the run's lock should push.
	Push(ctx context.Context, runID uuid.UUID, ev StreamEvent) error

	// Get blocks up to opts.Timeout for events after opts.LastEventID
	// (resumable) or the head of the log (non-resumable, consumed
	// destructively). Returns at least one event on success.
	Get(ctx context.Context, runID uuid.UUID, opts GetOptions) ([]StreamEvent, error)

	// Lock try-acquires the run's claim lock, attaching a fresh CancelSignal.
	Lock(ctx context.Context, runID uuid.UUID) (*CancelSignal, error)
	// Unlock releases the claim lock and its control subscription.
	Unlock(runID uuid.UUID)
	// IsLocked reports whether any process holds the run's lock.
	IsLocked(ctx context.Context, runID uuid.UUID) bool
	// GetControl returns the local CancelSignal if this process holds the
	// lock, else nil.
	GetControl(runID uuid.UUID) *CancelSignal

	// PublishControl aborts the run's CancelSignal with the action, in this
	// process and in any remote lock holder.
	PublishControl(ctx context.Context, runID uuid.UUID, action string) error

	// Drop discards the run's log and any waiters.
	Drop(runID uuid.UUID)

	Close() error
}

// CancelSignal is a broadcast abort flag attached to a run's claim lock.
// The first Abort wins; later reasons are ignored.
type CancelSignal struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
}

func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

// Abort sets the reason and wakes all watchers. Idempotent.
func (s *CancelSignal) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.reason = reason
	close(s.done)
}

// Done returns a channel closed once the signal aborts.
func (s *CancelSignal) Done() <-chan struct{} {
	return s.done
}

// Aborted reports whether the signal fired.
func (s *CancelSignal) Aborted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the abort reason, or "" if not aborted.
func (s *CancelSignal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}
