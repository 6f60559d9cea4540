package db

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestJSONBMerge(t *testing.T) {
	base := JSONB{"a": 1, "b": "keep"}
	merged := base.Merge(JSONB{"a": 2, "c": true})

	assert.Equal(t, JSONB{"a": 2, "b": "keep", "c": true}, merged)
	// The receiver is untouched.
	assert.Equal(t, JSONB{"a": 1, "b": "keep"}, base)

	var nilMap JSONB
	assert.Equal(t, JSONB{"x": 1}, nilMap.Merge(JSONB{"x": 1}))
	assert.Nil(t, nilMap.Clone())
}

func TestRunAttempts(t *testing.T) {
	runID := uuid.New()
	key := AttemptKey(runID)
	assert.Equal(t, "retry:"+runID.String(), key)

	run := &Run{ID: runID}
	assert.Equal(t, 0, run.Attempts())

	// jsonb round-trips numbers as float64.
	run.Metadata = JSONB{key: float64(2)}
	assert.Equal(t, 2, run.Attempts())

	run.Metadata = JSONB{key: 3}
	assert.Equal(t, 3, run.Attempts())

	// A counter for a different run does not leak.
	other := &Run{ID: uuid.New(), Metadata: JSONB{key: float64(2)}}
	assert.Equal(t, 0, other.Attempts())
}

func TestTerminalRunStatus(t *testing.T) {
	assert.False(t, TerminalRunStatus(RunStatusPending))
	assert.False(t, TerminalRunStatus(RunStatusRunning))
	assert.True(t, TerminalRunStatus(RunStatusSuccess))
	assert.True(t, TerminalRunStatus(RunStatusError))
	assert.True(t, TerminalRunStatus(RunStatusInterrupted))
}

func TestRunChannel(t *testing.T) {
	assert.Equal(t, "new_run", RunChannel(""))
	assert.Equal(t, "new_run", RunChannel("public"))
	assert.Equal(t, "tenant42_new_run", RunChannel("tenant42"))
}
