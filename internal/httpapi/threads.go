package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
	"github.com/loomworks/loomd/internal/store"
)

type threadRequest struct {
	ThreadID *uuid.UUID `json:"thread_id"`
	Config   db.JSONB   `json:"config"`
	Metadata db.JSONB   `json:"metadata"`
	IfExists string     `json:"if_exists"`
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request, a auth.Context) {
	var req threadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	id := uuid.New()
	if req.ThreadID != nil {
		id = *req.ThreadID
	}
	out, err := s.threads.Put(r.Context(), a, id, store.PutThreadOptions{
		Config:   req.Config,
		Metadata: req.Metadata,
		IfExists: req.IfExists,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.threads.Get(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) patchThread(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Config   db.JSONB `json:"config"`
		Metadata db.JSONB `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	out, err := s.threads.Patch(r.Context(), a, id, req.Config, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.threads.Delete(r.Context(), a, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) copyThread(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.threads.Copy(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) searchThreads(w http.ResponseWriter, r *http.Request, a auth.Context) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	out, total, err := s.threads.Search(r.Context(), a, req.options())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Pagination-Total", fmt.Sprint(total))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getThreadState(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.threads.GetState(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type stateRequest struct {
	Values map[string]interface{} `json:"values"`
	AsNode string                 `json:"as_node"`
	// Updates, when present, applies a bulk write instead.
	Updates []graph.StateUpdate `json:"updates"`
}

func (s *Server) postThreadState(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req stateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	if len(req.Updates) > 0 {
		out, err := s.threads.BulkPostState(r.Context(), a, id, req.Updates)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	out, err := s.threads.PostState(r.Context(), a, id, req.Values, req.AsNode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) bulkPostThreadState(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Updates []graph.StateUpdate `json:"updates"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.Updates) == 0 {
		writeError(w, fmt.Errorf("%w: updates is required", store.ErrValidation))
		return
	}
	out, err := s.threads.BulkPostState(r.Context(), a, id, req.Updates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getThreadHistory(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 10
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := s.threads.GetHistory(r.Context(), a, id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
