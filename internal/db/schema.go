package db

import (
	"context"
	"fmt"
	"strings"
)

// Schema DDL for the four core tables plus the pending-run notify trigger.
// Idempotent; safe to run at every startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS assistants (
    assistant_id UUID PRIMARY KEY,
    graph_id     TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    description  TEXT,
    config       JSONB NOT NULL DEFAULT '{}',
    context      JSONB,
    metadata     JSONB NOT NULL DEFAULT '{}',
    version      INT NOT NULL DEFAULT 1,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assistant_versions (
    assistant_id UUID NOT NULL REFERENCES assistants(assistant_id) ON DELETE CASCADE,
    version      INT NOT NULL,
    graph_id     TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    description  TEXT,
    config       JSONB NOT NULL DEFAULT '{}',
    context      JSONB,
    metadata     JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (assistant_id, version)
);

CREATE TABLE IF NOT EXISTS threads (
    thread_id  UUID PRIMARY KEY,
    status     TEXT NOT NULL DEFAULT 'idle',
    config     JSONB NOT NULL DEFAULT '{}',
    metadata   JSONB NOT NULL DEFAULT '{}',
    "values"   JSONB,
    interrupts JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
    run_id             UUID PRIMARY KEY,
    thread_id          UUID NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
    assistant_id       UUID NOT NULL REFERENCES assistants(assistant_id) ON DELETE CASCADE,
    status             TEXT NOT NULL DEFAULT 'pending',
    metadata           JSONB NOT NULL DEFAULT '{}',
    kwargs             JSONB NOT NULL DEFAULT '{}',
    multitask_strategy TEXT NOT NULL DEFAULT 'reject',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON runs(thread_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_pending ON runs(created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
CREATE INDEX IF NOT EXISTS idx_assistants_graph_id ON assistants(graph_id);
CREATE INDEX IF NOT EXISTS idx_assistants_metadata ON assistants USING gin(metadata);
CREATE INDEX IF NOT EXISTS idx_threads_metadata ON threads USING gin(metadata);
`

const triggerDDL = `
CREATE OR REPLACE FUNCTION notify_pending_run() RETURNS trigger AS $$
BEGIN
    IF NEW.status = 'pending' THEN
        PERFORM pg_notify('%s', NEW.run_id::text);
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_runs_notify_pending ON runs;
CREATE TRIGGER trg_runs_notify_pending
    AFTER INSERT ON runs
    FOR EACH ROW EXECUTE FUNCTION notify_pending_run();
`

// EnsureSchema creates tables, indexes and the pending-run notify trigger.
func EnsureSchema(ctx context.Context, pool *Pool, schema string) error {
	for _, stmt := range splitStatements(schemaDDL) {
		if _, err := pool.ExecRetry(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	ddl := fmt.Sprintf(triggerDDL, RunChannel(schema))
	// The function body contains semicolons, so execute the trigger DDL as
	// the two statements it actually is.
	parts := strings.SplitN(ddl, "$$ LANGUAGE plpgsql;", 2)
	if _, err := pool.ExecRetry(ctx, parts[0]+"$$ LANGUAGE plpgsql;"); err != nil {
		return fmt.Errorf("ensure notify function: %w", err)
	}
	for _, stmt := range splitStatements(parts[1]) {
		if _, err := pool.ExecRetry(ctx, stmt); err != nil {
			return fmt.Errorf("ensure notify trigger: %w", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
