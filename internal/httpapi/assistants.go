package httpapi

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/store"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", store.ErrValidation, name)
	}
	return id, nil
}

type assistantRequest struct {
	AssistantID *uuid.UUID `json:"assistant_id"`
	GraphID     string     `json:"graph_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Config      db.JSONB   `json:"config"`
	Context     db.JSONB   `json:"context"`
	Metadata    db.JSONB   `json:"metadata"`
	IfExists    string     `json:"if_exists"`
}

func (s *Server) createAssistant(w http.ResponseWriter, r *http.Request, a auth.Context) {
	var req assistantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	id := uuid.New()
	if req.AssistantID != nil {
		id = *req.AssistantID
	}
	out, err := s.assistants.Put(r.Context(), a, id, store.PutAssistantOptions{
		GraphID:     req.GraphID,
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		Context:     req.Context,
		Metadata:    req.Metadata,
		IfExists:    req.IfExists,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAssistant(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "assistant_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.assistants.Get(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type assistantPatchRequest struct {
	GraphID     *string  `json:"graph_id"`
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Config      db.JSONB `json:"config"`
	Context     db.JSONB `json:"context"`
	Metadata    db.JSONB `json:"metadata"`
}

func (s *Server) patchAssistant(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "assistant_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req assistantPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	out, err := s.assistants.Patch(r.Context(), a, id, store.PatchAssistantOptions{
		GraphID:     req.GraphID,
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		Context:     req.Context,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteAssistant(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "assistant_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.assistants.Delete(r.Context(), a, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAssistantVersions(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "assistant_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.assistants.GetVersions(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setAssistantLatest(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "assistant_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Version int `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Version <= 0 {
		writeError(w, fmt.Errorf("%w: version is required", store.ErrValidation))
		return
	}
	out, err := s.assistants.SetLatest(r.Context(), a, id, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type searchRequest struct {
	GraphID   string   `json:"graph_id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Metadata  db.JSONB `json:"metadata"`
	SortBy    string   `json:"sort_by"`
	SortOrder string   `json:"sort_order"`
	Limit     int      `json:"limit"`
	Offset    int      `json:"offset"`
}

func (r searchRequest) options() store.SearchOptions {
	return store.SearchOptions{
		GraphID:   r.GraphID,
		Name:      r.Name,
		Status:    r.Status,
		Metadata:  r.Metadata,
		SortBy:    r.SortBy,
		SortOrder: r.SortOrder,
		Limit:     r.Limit,
		Offset:    r.Offset,
	}
}

func (s *Server) searchAssistants(w http.ResponseWriter, r *http.Request, a auth.Context) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	out, total, err := s.assistants.Search(r.Context(), a, req.options())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Pagination-Total", fmt.Sprint(total))
	writeJSON(w, http.StatusOK, out)
}
