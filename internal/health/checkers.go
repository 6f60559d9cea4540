package health

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
)

// PostgresChecker pings the shared connection pool.
type PostgresChecker struct {
	pool *db.Pool
}

func NewPostgresChecker(pool *db.Pool) *PostgresChecker {
	return &PostgresChecker{pool: pool}
}

func (c *PostgresChecker) Name() string   { return "postgres" }
func (c *PostgresChecker) Critical() bool { return true }

func (c *PostgresChecker) Check(ctx context.Context) error {
	return c.pool.DB().PingContext(ctx)
}

// RedisChecker pings the broker's Redis client.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return true }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CheckpointerChecker probes the checkpoint store.
type CheckpointerChecker struct {
	store graph.CheckpointStore
}

func NewCheckpointerChecker(store graph.CheckpointStore) *CheckpointerChecker {
	return &CheckpointerChecker{store: store}
}

func (c *CheckpointerChecker) Name() string   { return "checkpointer" }
func (c *CheckpointerChecker) Critical() bool { return true }

func (c *CheckpointerChecker) Check(ctx context.Context) error {
	return c.store.Healthy(ctx)
}

// NotifierChecker probes the LISTEN connection. Non-critical: workers fall
// back to polling when notifications are down.
type NotifierChecker struct {
	notifier *db.Notifier
}

func NewNotifierChecker(notifier *db.Notifier) *NotifierChecker {
	return &NotifierChecker{notifier: notifier}
}

func (c *NotifierChecker) Name() string   { return "notifier" }
func (c *NotifierChecker) Critical() bool { return false }

func (c *NotifierChecker) Check(ctx context.Context) error {
	return c.notifier.Healthy(ctx)
}
