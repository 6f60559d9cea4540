package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ScriptedRunner replays a fixed event script, optionally emitting
// checkpoints and failing at a chosen step. Used by queue and API tests.
type ScriptedRunner struct {
	Events      []Event
	Checkpoints []*Checkpoint
	// FailAt aborts the stream with Err before emitting event index FailAt.
	// -1 disables.
	FailAt int
	Err    error
	// BlockUntilCancel makes the stream hang after the scripted events until
	// the context is cancelled, simulating a long graph step.
	BlockUntilCancel bool

	mu   sync.Mutex
	Runs []RunRequest
}

// NewScriptedRunner returns a runner replaying events with no failure.
func NewScriptedRunner(events ...Event) *ScriptedRunner {
	return &ScriptedRunner{Events: events, FailAt: -1}
}

func (r *ScriptedRunner) Run(_ context.Context, req RunRequest) (EventStream, error) {
	r.mu.Lock()
	r.Runs = append(r.Runs, req)
	r.mu.Unlock()

	for _, cp := range r.Checkpoints {
		if req.OnCheckpoint != nil {
			req.OnCheckpoint(cp)
		}
	}
	return &scriptedStream{runner: r}, nil
}

type scriptedStream struct {
	runner *ScriptedRunner
	pos    int
}

func (s *scriptedStream) Next(ctx context.Context) (Event, error) {
	if s.runner.FailAt >= 0 && s.pos == s.runner.FailAt {
		return Event{}, s.runner.Err
	}
	if s.pos >= len(s.runner.Events) {
		if s.runner.BlockUntilCancel {
			<-ctx.Done()
			return Event{}, ctx.Err()
		}
		return Event{}, ErrDone
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	ev := s.runner.Events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// MemCheckpointStore is an in-memory CheckpointStore, used by tests and as
// the default store when no external checkpointer is linked in.
type MemCheckpointStore struct {
	mu      sync.Mutex
	history map[uuid.UUID][]*Checkpoint
}

func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{history: make(map[uuid.UUID][]*Checkpoint)}
}

// Append records a checkpoint for a thread, most recent last.
func (s *MemCheckpointStore) Append(threadID uuid.UUID, cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[threadID] = append(s.history[threadID], cp)
}

func (s *MemCheckpointStore) GetState(_ context.Context, threadID uuid.UUID) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[threadID]
	if len(h) == 0 {
		return nil, nil
	}
	return h[len(h)-1], nil
}

func (s *MemCheckpointStore) UpdateState(_ context.Context, threadID uuid.UUID, values map[string]interface{}, asNode string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &Checkpoint{
		ID:     fmt.Sprintf("cp-%d", len(s.history[threadID])+1),
		Values: values,
	}
	if asNode != "" {
		cp.Metadata = map[string]interface{}{"as_node": asNode}
	}
	s.history[threadID] = append(s.history[threadID], cp)
	return cp, nil
}

func (s *MemCheckpointStore) BulkUpdateState(ctx context.Context, threadID uuid.UUID, updates []StateUpdate) ([]*Checkpoint, error) {
	out := make([]*Checkpoint, 0, len(updates))
	for _, u := range updates {
		cp, err := s.UpdateState(ctx, threadID, u.Values, u.AsNode)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemCheckpointStore) GetStateHistory(_ context.Context, threadID uuid.UUID, limit int) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[threadID]
	// Most recent first.
	out := make([]*Checkpoint, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemCheckpointStore) CopyThread(_ context.Context, sourceID, targetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.history[sourceID]
	dst := make([]*Checkpoint, len(src))
	copy(dst, src)
	s.history[targetID] = dst
	return nil
}

func (s *MemCheckpointStore) DeleteThread(_ context.Context, threadID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, threadID)
	return nil
}

func (s *MemCheckpointStore) Healthy(context.Context) error { return nil }
