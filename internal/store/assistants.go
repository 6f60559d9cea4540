package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/db"
)

// IfExists policies for AssistantsRepo.Put.
const (
	IfExistsRaise     = "raise"
	IfExistsDoNothing = "do_nothing"
)

// AssistantsRepo persists assistants and their version history.
type AssistantsRepo struct {
	pool   *db.Pool
	logger *zap.Logger
}

func NewAssistantsRepo(pool *db.Pool, logger *zap.Logger) *AssistantsRepo {
	return &AssistantsRepo{pool: pool, logger: logger}
}

// decide runs the authorization predicate, treating a nil context as allow-all.
func decide(ctx context.Context, a auth.Context, event string, payload map[string]interface{}) (auth.Decision, error) {
	if a == nil {
		return auth.Decision{}, nil
	}
	return a.Handle(ctx, event, payload)
}

// stampMetadata merges the decision's mutable overrides into metadata.
func stampMetadata(metadata db.JSONB, d auth.Decision) db.JSONB {
	if len(d.Mutable) == 0 {
		return metadata
	}
	return metadata.Merge(db.JSONB(d.Mutable))
}

// PutAssistantOptions parameterize assistant creation.
type PutAssistantOptions struct {
	GraphID     string
	Name        string
	Description *string
	Config      db.JSONB
	Context     db.JSONB
	Metadata    db.JSONB
	IfExists    string // raise | do_nothing, default raise
}

const assistantColumns = `assistant_id, graph_id, name, description, config, context, metadata, version, created_at, updated_at`

// Put creates an assistant and its version-1 row in one transaction.
// if_exists=do_nothing returns the existing row untouched; raise conflicts.
func (r *AssistantsRepo) Put(ctx context.Context, a auth.Context, id uuid.UUID, opts PutAssistantOptions) (*db.Assistant, error) {
	if opts.GraphID == "" {
		return nil, fmt.Errorf("%w: graph_id is required", ErrValidation)
	}
	ifExists := opts.IfExists
	if ifExists == "" {
		ifExists = IfExistsRaise
	}
	if ifExists != IfExistsRaise && ifExists != IfExistsDoNothing {
		return nil, fmt.Errorf("%w: unknown if_exists %q", ErrValidation, ifExists)
	}

	decision, err := decide(ctx, a, auth.EventAssistantsCreate, map[string]interface{}{"assistant_id": id.String()})
	if err != nil {
		return nil, err
	}
	metadata := stampMetadata(opts.Metadata, decision)
	if metadata == nil {
		metadata = db.JSONB{}
	}
	if opts.Config == nil {
		opts.Config = db.JSONB{}
	}

	var out db.Assistant
	err = r.pool.WithTx(ctx, func(tx *sqlx.Tx) error {
		var existing db.Assistant
		err := tx.GetContext(ctx, &existing,
			`SELECT `+assistantColumns+` FROM assistants WHERE assistant_id = $1 FOR UPDATE`, id)
		switch {
		case err == nil:
			if !Matches(existing.Metadata, decision.Filter) {
				return ErrNotFound
			}
			if ifExists == IfExistsRaise {
				return fmt.Errorf("%w: assistant %s already exists", ErrConflict, id)
			}
			out = existing
			return nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("load assistant: %w", err)
		}

		now := time.Now().UTC()
		if err := tx.GetContext(ctx, &out, `
			INSERT INTO assistants (assistant_id, graph_id, name, description, config, context, metadata, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
			RETURNING `+assistantColumns,
			id, opts.GraphID, opts.Name, opts.Description, opts.Config, opts.Context, metadata, now,
		); err != nil {
			return fmt.Errorf("insert assistant: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assistant_versions (assistant_id, version, graph_id, name, description, config, context, metadata, created_at)
			VALUES ($1, 1, $2, $3, $4, $5, $6, $7, $8)`,
			id, opts.GraphID, opts.Name, opts.Description, opts.Config, opts.Context, metadata, now,
		); err != nil {
			return fmt.Errorf("insert assistant version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get loads an assistant, enforcing the caller's metadata filter.
func (r *AssistantsRepo) Get(ctx context.Context, a auth.Context, id uuid.UUID) (*db.Assistant, error) {
	decision, err := decide(ctx, a, auth.EventAssistantsRead, map[string]interface{}{"assistant_id": id.String()})
	if err != nil {
		return nil, err
	}

	var out db.Assistant
	err = r.pool.GetRetry(ctx, &out,
		`SELECT `+assistantColumns+` FROM assistants WHERE assistant_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load assistant: %w", err)
	}
	if !Matches(out.Metadata, decision.Filter) {
		return nil, ErrNotFound
	}
	return &out, nil
}

// PatchAssistantOptions carry the fields to change; nil fields keep current
// values. Metadata is JSON-merged, never replaced wholesale.
type PatchAssistantOptions struct {
	GraphID     *string
	Name        *string
	Description *string
	Config      db.JSONB
	Context     db.JSONB
	Metadata    db.JSONB
}

// Patch allocates the next version, updates the current row to it, and
// records the version snapshot.
func (r *AssistantsRepo) Patch(ctx context.Context, a auth.Context, id uuid.UUID, opts PatchAssistantOptions) (*db.Assistant, error) {
	decision, err := decide(ctx, a, auth.EventAssistantsUpdate, map[string]interface{}{"assistant_id": id.String()})
	if err != nil {
		return nil, err
	}

	var out db.Assistant
	err = r.pool.WithTx(ctx, func(tx *sqlx.Tx) error {
		var cur db.Assistant
		err := tx.GetContext(ctx, &cur,
			`SELECT `+assistantColumns+` FROM assistants WHERE assistant_id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load assistant: %w", err)
		}
		if !Matches(cur.Metadata, decision.Filter) {
			return ErrNotFound
		}

		next := cur
		if opts.GraphID != nil {
			next.GraphID = *opts.GraphID
		}
		if opts.Name != nil {
			next.Name = *opts.Name
		}
		if opts.Description != nil {
			next.Description = opts.Description
		}
		if opts.Config != nil {
			next.Config = opts.Config
		}
		if opts.Context != nil {
			next.Context = opts.Context
		}
		if opts.Metadata != nil {
			next.Metadata = cur.Metadata.Merge(opts.Metadata)
		}
		next.Metadata = stampMetadata(next.Metadata, decision)

		var maxVersion int
		if err := tx.GetContext(ctx, &maxVersion,
			`SELECT COALESCE(MAX(version), 0) FROM assistant_versions WHERE assistant_id = $1`, id); err != nil {
			return fmt.Errorf("load max version: %w", err)
		}
		next.Version = maxVersion + 1

		now := time.Now().UTC()
		if err := tx.GetContext(ctx, &out, `
			UPDATE assistants
			SET graph_id = $2, name = $3, description = $4, config = $5, context = $6,
			    metadata = metadata || $7, version = $8, updated_at = $9
			WHERE assistant_id = $1
			RETURNING `+assistantColumns,
			id, next.GraphID, next.Name, next.Description, next.Config, next.Context,
			next.Metadata, next.Version, now,
		); err != nil {
			return fmt.Errorf("update assistant: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assistant_versions (assistant_id, version, graph_id, name, description, config, context, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, next.Version, next.GraphID, next.Name, next.Description, next.Config, next.Context, out.Metadata, now,
		); err != nil {
			return fmt.Errorf("insert assistant version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLatest copies a historical version's content into the current row. No
// new version row is allocated; the row's version becomes the historical one.
func (r *AssistantsRepo) SetLatest(ctx context.Context, a auth.Context, id uuid.UUID, version int) (*db.Assistant, error) {
	decision, err := decide(ctx, a, auth.EventAssistantsUpdate, map[string]interface{}{"assistant_id": id.String()})
	if err != nil {
		return nil, err
	}

	var out db.Assistant
	err = r.pool.WithTx(ctx, func(tx *sqlx.Tx) error {
		var cur db.Assistant
		err := tx.GetContext(ctx, &cur,
			`SELECT `+assistantColumns+` FROM assistants WHERE assistant_id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load assistant: %w", err)
		}
		if !Matches(cur.Metadata, decision.Filter) {
			return ErrNotFound
		}

		var v db.AssistantVersion
		err = tx.GetContext(ctx, &v, `
			SELECT assistant_id, version, graph_id, name, description, config, context, metadata, created_at
			FROM assistant_versions WHERE assistant_id = $1 AND version = $2`, id, version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: assistant %s has no version %d", ErrNotFound, id, version)
		}
		if err != nil {
			return fmt.Errorf("load assistant version: %w", err)
		}

		if err := tx.GetContext(ctx, &out, `
			UPDATE assistants
			SET graph_id = $2, name = $3, description = $4, config = $5, context = $6,
			    metadata = $7, version = $8, updated_at = $9
			WHERE assistant_id = $1
			RETURNING `+assistantColumns,
			id, v.GraphID, v.Name, v.Description, v.Config, v.Context, v.Metadata, v.Version, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("set latest version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVersions returns all versions, newest first.
func (r *AssistantsRepo) GetVersions(ctx context.Context, a auth.Context, id uuid.UUID) ([]db.AssistantVersion, error) {
	if _, err := r.Get(ctx, a, id); err != nil {
		return nil, err
	}
	var out []db.AssistantVersion
	err := r.pool.SelectRetry(ctx, &out, `
		SELECT assistant_id, version, graph_id, name, description, config, context, metadata, created_at
		FROM assistant_versions WHERE assistant_id = $1 ORDER BY version DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("load assistant versions: %w", err)
	}
	return out, nil
}

// Delete removes the assistant; runs cascade via foreign keys.
func (r *AssistantsRepo) Delete(ctx context.Context, a auth.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, a, id); err != nil {
		return err
	}
	res, err := r.pool.ExecRetry(ctx, `DELETE FROM assistants WHERE assistant_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete assistant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchOptions are shared by assistant and thread search.
type SearchOptions struct {
	GraphID   string
	Name      string // substring, case-insensitive
	Status    string // threads only
	Metadata  db.JSONB
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

var assistantSortColumns = map[string]string{
	"":           "created_at",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"name":       "name",
	"graph_id":   "graph_id",
	"version":    "version",
}

func sortClause(columns map[string]string, by, order string) (string, error) {
	col, ok := columns[by]
	if !ok {
		return "", fmt.Errorf("%w: unknown sort_by %q", ErrValidation, by)
	}
	dir := "DESC"
	switch strings.ToLower(order) {
	case "", "desc":
	case "asc":
		dir = "ASC"
	default:
		return "", fmt.Errorf("%w: unknown sort_order %q", ErrValidation, order)
	}
	return col + " " + dir, nil
}

// Search returns matching assistants and the pre-pagination total.
func (r *AssistantsRepo) Search(ctx context.Context, a auth.Context, opts SearchOptions) ([]db.Assistant, int, error) {
	decision, err := decide(ctx, a, auth.EventAssistantsSearch, nil)
	if err != nil {
		return nil, 0, err
	}
	orderBy, err := sortClause(assistantSortColumns, opts.SortBy, opts.SortOrder)
	if err != nil {
		return nil, 0, err
	}

	where := []string{"TRUE"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.GraphID != "" {
		where = append(where, "graph_id = "+arg(opts.GraphID))
	}
	if opts.Name != "" {
		where = append(where, "name ILIKE "+arg("%"+escapeLike(opts.Name)+"%"))
	}
	if len(opts.Metadata) > 0 {
		where = append(where, "metadata @> "+arg(mustJSON(opts.Metadata)))
	}
	if len(decision.Filter) > 0 {
		where = append(where, "metadata @> "+arg(mustJSON(decision.Filter)))
	}

	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total
		FROM assistants
		WHERE %s
		ORDER BY %s
		LIMIT %s OFFSET %s`,
		assistantColumns, strings.Join(where, " AND "), orderBy, arg(limit), arg(opts.Offset))

	rows := []struct {
		db.Assistant
		Total int `db:"total"`
	}{}
	if err := r.pool.SelectRetry(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("search assistants: %w", err)
	}

	out := make([]db.Assistant, 0, len(rows))
	total := 0
	for _, row := range rows {
		out = append(out, row.Assistant)
		total = row.Total
	}
	return out, total, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// uniqueViolation reports a Postgres unique constraint error.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
