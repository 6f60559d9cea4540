package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/metrics"
)

const (
	lockTTL          = 30 * time.Second
	lockRefreshEvery = 10 * time.Second
	// Non-resumable streams keep a bounded backlog; resumable streams keep
	// the full log for the run's lifetime.
	nonResumableMaxLen = 4096
)

// RedisBroker is the distributed broker: Redis Streams carry the per-run
// event log (broadcast, strictly ordered within a run), a pub/sub channel
// per run carries control actions, and a lease key implements the claim lock
// so a crashed holder releases it by TTL.
type RedisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	locks  map[uuid.UUID]*redisLock
	modes  map[uuid.UUID]bool // runID -> resumable
	closed bool
}

type redisLock struct {
	signal *CancelSignal
	token  string
	sub    *redis.PubSub
	stop   chan struct{}
}

// NewRedisBroker verifies connectivity and returns the broker.
func NewRedisBroker(ctx context.Context, rdb *redis.Client, logger *zap.Logger) (*RedisBroker, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBroker{
		rdb:    rdb,
		logger: logger,
		locks:  make(map[uuid.UUID]*redisLock),
		modes:  make(map[uuid.UUID]bool),
	}, nil
}

func streamKey(runID uuid.UUID) string   { return "loomd:stream:" + runID.String() }
func seqKey(runID uuid.UUID) string      { return "loomd:seq:" + runID.String() }
func lockKey(runID uuid.UUID) string     { return "loomd:lock:" + runID.String() }
func controlChan(runID uuid.UUID) string { return "loomd:control:" + runID.String() }

func (b *RedisBroker) EnsureQueue(runID uuid.UUID, resumable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.modes[runID]; !ok {
		b.modes[runID] = resumable
	}
}

func (b *RedisBroker) resumable(runID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mode, ok := b.modes[runID]
	if !ok {
		return true
	}
	return mode
}

func (b *RedisBroker) Push(ctx context.Context, runID uuid.UUID, ev StreamEvent) error {
	seq, err := b.rdb.Incr(ctx, seqKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: streamKey(runID),
		Values: map[string]interface{}{
			"seq":   seq,
			"topic": ev.Topic,
			"data":  string(ev.Data),
		},
	}
	if !b.resumable(runID) {
		args.MaxLen = nonResumableMaxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append stream event: %w", err)
	}
	metrics.StreamEventsPublished.Inc()
	return nil
}

func parseEntry(msg redis.XMessage) (StreamEvent, error) {
	var ev StreamEvent
	if s, ok := msg.Values["seq"].(string); ok {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("malformed seq %q: %w", s, err)
		}
		ev.Seq = n
	}
	if s, ok := msg.Values["topic"].(string); ok {
		ev.Topic = s
	}
	if s, ok := msg.Values["data"].(string); ok {
		ev.Data = []byte(s)
	}
	return ev, nil
}

func (b *RedisBroker) Get(ctx context.Context, runID uuid.UUID, opts GetOptions) ([]StreamEvent, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)
	resumable := b.resumable(runID)

	lastStreamID := "0"
	from := opts.LastEventID

	for {
		msgs, err := b.rdb.XRange(ctx, streamKey(runID), "-", "+").Result()
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}

		events := make([]StreamEvent, 0, len(msgs))
		ids := make([]string, 0, len(msgs))
		var maxSeq uint64
		for _, msg := range msgs {
			ev, perr := parseEntry(msg)
			if perr != nil {
				return nil, perr
			}
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
			events = append(events, ev)
			ids = append(ids, msg.ID)
		}
		if len(msgs) > 0 {
			lastStreamID = msgs[len(msgs)-1].ID
		}

		if resumable {
			// Out-of-range last id behaves as if absent.
			if from > maxSeq {
				from = 0
			}
			out := events[:0:0]
			for _, ev := range events {
				if ev.Seq > from {
					out = append(out, ev)
				}
			}
			if len(out) > 0 {
				// The distributed stream may have truncated; a hole in the
				// sequence is unrecoverable for this reader.
				if out[0].Seq != from+1 {
					return nil, ErrStreamGap
				}
				return out, nil
			}
		} else if len(events) > 0 {
			// One-shot drain: remove consumed entries from the head.
			if err := b.rdb.XDel(ctx, streamKey(runID), ids...).Err(); err != nil {
				b.logger.Warn("Failed to trim drained stream entries",
					zap.String("run_id", runID.String()), zap.Error(err))
			}
			return events, nil
		}

		block := time.Until(deadline)
		if block <= 0 {
			return nil, ErrGetTimeout
		}
		res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey(runID), lastStreamID},
			Block:   block,
			Count:   64,
		}).Result()
		if err == redis.Nil {
			return nil, ErrGetTimeout
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("blocking stream read: %w", err)
		}
		_ = res // loop re-reads the full range so resumable filtering stays uniform
	}
}

func (b *RedisBroker) Lock(ctx context.Context, runID uuid.UUID) (*CancelSignal, error) {
	b.mu.Lock()
	if _, held := b.locks[runID]; held {
		b.mu.Unlock()
		return nil, ErrLocked
	}
	b.mu.Unlock()

	token := uuid.New().String()
	ok, err := b.rdb.SetNX(ctx, lockKey(runID), token, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	sig := NewCancelSignal()
	sub := b.rdb.Subscribe(ctx, controlChan(runID))
	lock := &redisLock{signal: sig, token: token, sub: sub, stop: make(chan struct{})}

	b.mu.Lock()
	b.locks[runID] = lock
	b.mu.Unlock()

	// Control listener: any process publishing an action aborts this holder.
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-lock.stop:
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				sig.Abort(msg.Payload)
			}
		}
	}()

	// Lease refresher: a crashed holder stops refreshing and the lock
	// expires, letting the sweeper reschedule the run.
	go func() {
		ticker := time.NewTicker(lockRefreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-lock.stop:
				return
			case <-ticker.C:
				if err := b.rdb.PExpire(context.Background(), lockKey(runID), lockTTL).Err(); err != nil {
					b.logger.Warn("Failed to refresh run lock lease",
						zap.String("run_id", runID.String()), zap.Error(err))
				}
			}
		}
	}()

	return sig, nil
}

// releaseScript deletes the lock only if this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

func (b *RedisBroker) Unlock(runID uuid.UUID) {
	b.mu.Lock()
	lock, held := b.locks[runID]
	delete(b.locks, runID)
	b.mu.Unlock()
	if !held {
		return
	}

	close(lock.stop)
	_ = lock.sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, b.rdb, []string{lockKey(runID)}, lock.token).Err(); err != nil && err != redis.Nil {
		b.logger.Warn("Failed to release run lock",
			zap.String("run_id", runID.String()), zap.Error(err))
	}
}

func (b *RedisBroker) IsLocked(ctx context.Context, runID uuid.UUID) bool {
	b.mu.Lock()
	_, held := b.locks[runID]
	b.mu.Unlock()
	if held {
		return true
	}
	n, err := b.rdb.Exists(ctx, lockKey(runID)).Result()
	if err != nil {
		// Assume locked on error so two schedulers never race a claim.
		return true
	}
	return n > 0
}

func (b *RedisBroker) GetControl(runID uuid.UUID) *CancelSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lock, held := b.locks[runID]; held {
		return lock.signal
	}
	return nil
}

func (b *RedisBroker) PublishControl(ctx context.Context, runID uuid.UUID, action string) error {
	// Fast path for a lock held in this process.
	if sig := b.GetControl(runID); sig != nil {
		sig.Abort(action)
	}
	if err := b.rdb.Publish(ctx, controlChan(runID), action).Err(); err != nil {
		return fmt.Errorf("publish control: %w", err)
	}
	return nil
}

func (b *RedisBroker) Drop(runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.rdb.Del(ctx, streamKey(runID), seqKey(runID)).Err(); err != nil {
		b.logger.Warn("Failed to drop run stream",
			zap.String("run_id", runID.String()), zap.Error(err))
	}
	b.mu.Lock()
	delete(b.modes, runID)
	b.mu.Unlock()
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for runID, lock := range b.locks {
		close(lock.stop)
		_ = lock.sub.Close()
		delete(b.locks, runID)
	}
	return nil
}
