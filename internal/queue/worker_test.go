package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
	"github.com/loomworks/loomd/internal/metrics"
)

func TestDrainPushesEventsInOrder(t *testing.T) {
	b := broker.NewMemBroker(zap.NewNop())
	runID := uuid.New()
	b.EnsureQueue(runID, true)

	runner := graph.NewScriptedRunner(
		graph.Event{Name: "values", Data: json.RawMessage(`{"step":1}`)},
		graph.Event{Name: "messages", Data: json.RawMessage(`{"step":2}`)},
		graph.Event{Name: "values", Data: json.RawMessage(`{"step":3}`)},
	)
	w := &worker{broker: b, runner: runner, logger: zap.NewNop()}

	published := testutil.ToFloat64(metrics.StreamEventsPublished)
	err := w.drain(context.Background(), runID, graph.RunRequest{})
	require.NoError(t, err)

	events, err := b.Get(context.Background(), runID, broker.GetOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, broker.StreamTopic(runID, "values"), events[0].Topic)
	assert.Equal(t, broker.StreamTopic(runID, "messages"), events[1].Topic)
	assert.Equal(t, uint64(3), events[2].Seq)

	// Each event counts once, at the broker.
	assert.Equal(t, published+3, testutil.ToFloat64(metrics.StreamEventsPublished))
}

func TestDrainSurfacesRunnerFailure(t *testing.T) {
	b := broker.NewMemBroker(zap.NewNop())
	runID := uuid.New()
	b.EnsureQueue(runID, true)

	boom := errors.New("node exploded")
	runner := &graph.ScriptedRunner{
		Events: []graph.Event{
			{Name: "values", Data: json.RawMessage(`{"step":1}`)},
		},
		FailAt: 1,
		Err:    boom,
	}
	w := &worker{broker: b, runner: runner, logger: zap.NewNop()}

	err := w.drain(context.Background(), runID, graph.RunRequest{})
	assert.ErrorIs(t, err, boom)

	// The event before the failure was delivered.
	events, err := b.Get(context.Background(), runID, broker.GetOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	b := broker.NewMemBroker(zap.NewNop())
	runID := uuid.New()
	b.EnsureQueue(runID, true)

	runner := &graph.ScriptedRunner{FailAt: -1, BlockUntilCancel: true}
	w := &worker{broker: b, runner: runner, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.drain(ctx, runID, graph.RunRequest{}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("drain never returned after cancel")
	}
}

func TestPatchTask(t *testing.T) {
	cp := &graph.Checkpoint{Tasks: []graph.Task{
		{ID: "t1", Name: "plan"},
		{ID: "t2", Name: "act"},
	}}

	patchTask(cp, graph.Task{ID: "t2", Name: "act", Result: json.RawMessage(`"done"`)})
	assert.Equal(t, json.RawMessage(`"done"`), cp.Tasks[1].Result)

	// Unknown task ids are appended.
	patchTask(cp, graph.Task{ID: "t3"})
	assert.Len(t, cp.Tasks, 3)

	// Nil checkpoints are tolerated; results can arrive first.
	patchTask(nil, graph.Task{ID: "t1"})
}

func TestKwargHelpers(t *testing.T) {
	kwargs := db.JSONB{
		"stream_resumable": true,
		"webhook":          "https://example.com/hook",
		"config":           map[string]interface{}{"configurable": map[string]interface{}{}},
	}

	assert.True(t, kwargBool(kwargs, "stream_resumable"))
	assert.False(t, kwargBool(kwargs, "temporary"))
	assert.Equal(t, "https://example.com/hook", kwargString(kwargs, "webhook"))
	assert.Empty(t, kwargString(kwargs, "missing"))
	assert.NotNil(t, kwargObject(kwargs, "config"))
	assert.Nil(t, kwargObject(kwargs, "webhook"))
}
