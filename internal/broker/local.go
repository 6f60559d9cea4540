package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/metrics"
)

// MemBroker is the in-process broker: a per-run append-only log with
// monotonically increasing sequence ids, a waiter broadcast for blocking
// reads, and local claim locks.
type MemBroker struct {
	logger *zap.Logger

	mu     sync.Mutex
	queues map[uuid.UUID]*memQueue
	locks  map[uuid.UUID]*CancelSignal
}

type memQueue struct {
	mu        sync.Mutex
	events    []StreamEvent
	nextSeq   uint64
	resumable bool
	// notify is closed and replaced on every push; readers wait on the
	// instance they grabbed before checking the log.
	notify chan struct{}
}

func newMemQueue(resumable bool) *memQueue {
	return &memQueue{nextSeq: 1, resumable: resumable, notify: make(chan struct{})}
}

// NewMemBroker creates the in-process broker.
func NewMemBroker(logger *zap.Logger) *MemBroker {
	return &MemBroker{
		logger: logger,
		queues: make(map[uuid.UUID]*memQueue),
		locks:  make(map[uuid.UUID]*CancelSignal),
	}
}

func (b *MemBroker) queue(runID uuid.UUID, resumable bool) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[runID]
	if !ok {
		q = newMemQueue(resumable)
		b.queues[runID] = q
	}
	return q
}

func (b *MemBroker) EnsureQueue(runID uuid.UUID, resumable bool) {
	b.queue(runID, resumable)
}

func (b *MemBroker) Push(_ context.Context, runID uuid.UUID, ev StreamEvent) error {
	q := b.queue(runID, true)

	q.mu.Lock()
	ev.Seq = q.nextSeq
	q.nextSeq++
	q.events = append(q.events, ev)
	notify := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()

	close(notify)
	metrics.StreamEventsPublished.Inc()
	return nil
}

func (b *MemBroker) Get(ctx context.Context, runID uuid.UUID, opts GetOptions) ([]StreamEvent, error) {
	q := b.queue(runID, true)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		notify := q.notify
		var out []StreamEvent
		if q.resumable {
			// lastEventID out of range behaves as if absent.
			from := opts.LastEventID
			if from >= q.nextSeq {
				from = 0
			}
			for _, ev := range q.events {
				if ev.Seq > from {
					out = append(out, ev)
				}
			}
		} else {
			// One-shot drain from the head.
			out = q.events
			q.events = nil
		}
		q.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-notify:
		case <-deadline.C:
			return nil, ErrGetTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemBroker) Lock(_ context.Context, runID uuid.UUID) (*CancelSignal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.locks[runID]; held {
		return nil, ErrLocked
	}
	sig := NewCancelSignal()
	b.locks[runID] = sig
	return sig, nil
}

func (b *MemBroker) Unlock(runID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, runID)
}

func (b *MemBroker) IsLocked(_ context.Context, runID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, held := b.locks[runID]
	return held
}

func (b *MemBroker) GetControl(runID uuid.UUID) *CancelSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locks[runID]
}

func (b *MemBroker) PublishControl(_ context.Context, runID uuid.UUID, action string) error {
	b.mu.Lock()
	sig := b.locks[runID]
	b.mu.Unlock()
	if sig != nil {
		sig.Abort(action)
	}
	return nil
}

func (b *MemBroker) Drop(runID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, runID)
}

func (b *MemBroker) Close() error { return nil }
