// Package httpapi exposes the REST and SSE surface of the run server.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/health"
	"github.com/loomworks/loomd/internal/store"
)

// Server bundles the handlers with their dependencies.
type Server struct {
	assistants *store.AssistantsRepo
	threads    *store.ThreadsRepo
	runs       *store.RunsRepo
	broker     broker.Broker
	health     *health.Manager
	jwtSecret  []byte
	logger     *zap.Logger
}

func NewServer(assistants *store.AssistantsRepo, threads *store.ThreadsRepo, runs *store.RunsRepo, b broker.Broker, hm *health.Manager, jwtSecret []byte, logger *zap.Logger) *Server {
	return &Server{
		assistants: assistants,
		threads:    threads,
		runs:       runs,
		broker:     b,
		health:     hm,
		jwtSecret:  jwtSecret,
		logger:     logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /assistants", s.authorized(s.createAssistant))
	mux.HandleFunc("POST /assistants/search", s.authorized(s.searchAssistants))
	mux.HandleFunc("GET /assistants/{assistant_id}", s.authorized(s.getAssistant))
	mux.HandleFunc("PATCH /assistants/{assistant_id}", s.authorized(s.patchAssistant))
	mux.HandleFunc("DELETE /assistants/{assistant_id}", s.authorized(s.deleteAssistant))
	mux.HandleFunc("GET /assistants/{assistant_id}/versions", s.authorized(s.getAssistantVersions))
	mux.HandleFunc("POST /assistants/{assistant_id}/latest", s.authorized(s.setAssistantLatest))

	mux.HandleFunc("POST /threads", s.authorized(s.createThread))
	mux.HandleFunc("POST /threads/search", s.authorized(s.searchThreads))
	mux.HandleFunc("GET /threads/{thread_id}", s.authorized(s.getThread))
	mux.HandleFunc("PATCH /threads/{thread_id}", s.authorized(s.patchThread))
	mux.HandleFunc("DELETE /threads/{thread_id}", s.authorized(s.deleteThread))
	mux.HandleFunc("POST /threads/{thread_id}/copy", s.authorized(s.copyThread))
	mux.HandleFunc("GET /threads/{thread_id}/state", s.authorized(s.getThreadState))
	mux.HandleFunc("POST /threads/{thread_id}/state", s.authorized(s.postThreadState))
	mux.HandleFunc("POST /threads/{thread_id}/state/bulk", s.authorized(s.bulkPostThreadState))
	mux.HandleFunc("GET /threads/{thread_id}/history", s.authorized(s.getThreadHistory))

	mux.HandleFunc("POST /threads/{thread_id}/runs", s.authorized(s.createRun))
	mux.HandleFunc("GET /threads/{thread_id}/runs", s.authorized(s.listRuns))
	mux.HandleFunc("POST /runs", s.authorized(s.createStatelessRun))
	mux.HandleFunc("GET /runs/{run_id}", s.authorized(s.getRun))
	mux.HandleFunc("GET /runs/{run_id}/join", s.authorized(s.joinRun))
	mux.HandleFunc("GET /runs/{run_id}/stream", s.authorized(s.streamRun))
	mux.HandleFunc("POST /runs/{run_id}/cancel", s.authorized(s.cancelRun))
	mux.HandleFunc("POST /threads/{thread_id}/runs/cancel", s.authorized(s.cancelThreadRuns))

	mux.HandleFunc("GET /health/ready", s.health.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request, auth.Context)

// authorized resolves the caller's authorization context. Without a
// configured signing key every caller is unrestricted; with one, a valid
// bearer token is mandatory.
func (s *Server) authorized(next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			next(w, r, auth.NoopContext{})
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, auth.ErrInvalidToken)
			return
		}
		a, err := auth.NewJWTContext(token, s.jwtSecret)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, a)
	}
}
