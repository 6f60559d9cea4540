package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisBroker(t *testing.T) (*RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b, err := NewRedisBroker(context.Background(), rdb, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, rdb
}

func TestRedisBrokerSequenceStartsAtOne(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	runID := uuid.New()
	b.EnsureQueue(runID, true)
	pushN(t, b, runID, "values", "values", "end")

	events, err := b.Get(context.Background(), runID, GetOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, StreamTopic(runID, "values"), events[0].Topic)
}

func TestRedisBrokerResumableReplay(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	runID := uuid.New()
	b.EnsureQueue(runID, true)
	pushN(t, b, runID, "a", "b", "c")

	events, err := b.Get(context.Background(), runID, GetOptions{Timeout: time.Second, LastEventID: 1})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)

	// Out-of-range resume id falls back to a full replay.
	events, err = b.Get(context.Background(), runID, GetOptions{Timeout: time.Second, LastEventID: 42})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRedisBrokerStreamGap(t *testing.T) {
	b, rdb := newTestRedisBroker(t)
	runID := uuid.New()
	b.EnsureQueue(runID, true)
	pushN(t, b, runID, "a", "b", "c")

	// Drop the first entry to punch a hole in the sequence.
	msgs, err := rdb.XRange(context.Background(), "loomd:stream:"+runID.String(), "-", "+").Result()
	require.NoError(t, err)
	require.NoError(t, rdb.XDel(context.Background(), "loomd:stream:"+runID.String(), msgs[0].ID).Err())

	_, err = b.Get(context.Background(), runID, GetOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrStreamGap)

	// A reader resuming past the hole is unaffected.
	events, err := b.Get(context.Background(), runID, GetOptions{Timeout: time.Second, LastEventID: 1})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRedisBrokerOneShotDrains(t *testing.T) {
	b, rdb := newTestRedisBroker(t)
	runID := uuid.New()
	b.EnsureQueue(runID, false)
	pushN(t, b, runID, "a", "b")

	events, err := b.Get(context.Background(), runID, GetOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// Entries are deleted once drained.
	n, err := rdb.XLen(context.Background(), "loomd:stream:"+runID.String()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisBrokerLockLease(t *testing.T) {
	b, rdb := newTestRedisBroker(t)
	runID := uuid.New()

	sig, err := b.Lock(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, b.IsLocked(context.Background(), runID))

	_, err = b.Lock(context.Background(), runID)
	assert.ErrorIs(t, err, ErrLocked)

	// The lease key carries a TTL so a crashed holder expires.
	ttl, err := rdb.TTL(context.Background(), "loomd:lock:"+runID.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	b.Unlock(runID)
	assert.False(t, b.IsLocked(context.Background(), runID))
}

func TestRedisBrokerLockVisibleAcrossProcesses(t *testing.T) {
	b1, rdb := newTestRedisBroker(t)
	runID := uuid.New()

	_, err := b1.Lock(context.Background(), runID)
	require.NoError(t, err)

	// A second broker over the same Redis sees the lock and cannot claim.
	b2, err := NewRedisBroker(context.Background(), rdb, zap.NewNop())
	require.NoError(t, err)
	defer b2.Close()

	assert.True(t, b2.IsLocked(context.Background(), runID))
	_, err = b2.Lock(context.Background(), runID)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestRedisBrokerPublishControlLocal(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	runID := uuid.New()

	sig, err := b.Lock(context.Background(), runID)
	require.NoError(t, err)

	require.NoError(t, b.PublishControl(context.Background(), runID, ActionInterrupt))
	select {
	case <-sig.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal never aborted")
	}
	assert.Equal(t, ActionInterrupt, sig.Reason())
}

func TestRedisBrokerDrop(t *testing.T) {
	b, rdb := newTestRedisBroker(t)
	runID := uuid.New()
	b.EnsureQueue(runID, true)
	pushN(t, b, runID, "a")

	b.Drop(runID)

	n, err := rdb.Exists(context.Background(),
		"loomd:stream:"+runID.String(), "loomd:seq:"+runID.String()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
