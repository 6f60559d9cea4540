// Package auth supplies the authorization contexts threaded through every
// repository call. A context maps a server-side event name to a metadata
// filter (what the caller may see) and mutable overrides (what gets stamped
// onto entities the caller creates). A nil filter allows everything.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Server-side event names handed to the authorization predicate.
const (
	EventAssistantsCreate = "assistants:create"
	EventAssistantsRead   = "assistants:read"
	EventAssistantsUpdate = "assistants:update"
	EventAssistantsDelete = "assistants:delete"
	EventAssistantsSearch = "assistants:search"
	EventThreadsCreate    = "threads:create"
	EventThreadsRead      = "threads:read"
	EventThreadsUpdate    = "threads:update"
	EventThreadsDelete    = "threads:delete"
	EventThreadsSearch    = "threads:search"
	EventThreadsCreateRun = "threads:create_run"
	EventRunsRead         = "runs:read"
	EventRunsCancel       = "runs:cancel"
)

// Decision is the predicate result for one event.
type Decision struct {
	// Filter must be contained in an entity's metadata for the caller to see
	// it. nil allows all.
	Filter map[string]interface{}
	// Mutable is merged into the metadata of entities the caller creates.
	Mutable map[string]interface{}
}

// Context is the authorization hook. Implementations should be stateless.
type Context interface {
	Handle(ctx context.Context, event string, payload map[string]interface{}) (Decision, error)
	// UserID identifies the caller for configurable stamping; may be empty.
	UserID() string
}

// NoopContext allows everything and stamps nothing.
type NoopContext struct{}

func (NoopContext) Handle(context.Context, string, map[string]interface{}) (Decision, error) {
	return Decision{}, nil
}

func (NoopContext) UserID() string { return "" }

// ErrInvalidToken is returned for unverifiable or malformed bearer tokens.
var ErrInvalidToken = errors.New("invalid token")

// JWTContext scopes every event to the token subject: non-admin callers only
// see entities whose metadata carries owner=<sub>, and everything they create
// is stamped with it.
type JWTContext struct {
	subject string
	admin   bool
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NewJWTContext verifies an HS256 token and builds a context from its claims.
func NewJWTContext(token string, signingKey []byte) (*JWTContext, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &JWTContext{subject: c.Subject, admin: c.Role == "admin"}, nil
}

func (j *JWTContext) Handle(_ context.Context, _ string, _ map[string]interface{}) (Decision, error) {
	if j.admin {
		return Decision{Mutable: map[string]interface{}{"owner": j.subject}}, nil
	}
	return Decision{
		Filter:  map[string]interface{}{"owner": j.subject},
		Mutable: map[string]interface{}{"owner": j.subject},
	}, nil
}

func (j *JWTContext) UserID() string { return j.subject }
