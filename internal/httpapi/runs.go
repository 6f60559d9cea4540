package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/store"
)

type runRequest struct {
	AssistantID       *uuid.UUID  `json:"assistant_id"`
	Input             interface{} `json:"input"`
	Config            db.JSONB    `json:"config"`
	Context           db.JSONB    `json:"context"`
	Metadata          db.JSONB    `json:"metadata"`
	MultitaskStrategy string      `json:"multitask_strategy"`
	IfNotExists       string      `json:"if_not_exists"`
	AfterSeconds      int         `json:"after_seconds"`
	Webhook           string      `json:"webhook"`
	StreamResumable   bool        `json:"stream_resumable"`
}

// createRun schedules a run on an existing (or lazily created) thread. The
// multitask strategy decides the fate of inflight runs on the thread: reject
// refuses the new run, interrupt and rollback cancel the inflight set, and
// enqueue leaves it alone.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request, a auth.Context) {
	threadID, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	s.submitRun(w, r, a, &threadID, false)
}

// createStatelessRun schedules a run on a fresh temporary thread that is
// deleted once the run settles.
func (s *Server) createStatelessRun(w http.ResponseWriter, r *http.Request, a auth.Context) {
	s.submitRun(w, r, a, nil, true)
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, a auth.Context, threadID *uuid.UUID, temporary bool) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	if req.AssistantID == nil {
		writeError(w, fmt.Errorf("%w: assistant_id is required", store.ErrValidation))
		return
	}
	strategy := req.MultitaskStrategy
	if strategy == "" {
		strategy = db.MultitaskReject
	}

	runID := uuid.New()
	out, err := s.runs.Put(r.Context(), a, runID, *req.AssistantID, store.PutRunOptions{
		ThreadID:                threadID,
		Input:                   req.Input,
		Config:                  req.Config,
		Context:                 req.Context,
		Metadata:                req.Metadata,
		MultitaskStrategy:       strategy,
		IfNotExists:             req.IfNotExists,
		AfterSeconds:            req.AfterSeconds,
		Webhook:                 req.Webhook,
		StreamResumable:         req.StreamResumable,
		Temporary:               temporary,
		PreventInsertInInflight: strategy == db.MultitaskReject,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(out) == 0 || out[0].ID != runID {
		// Blocked by inflight runs under the reject strategy.
		writeError(w, fmt.Errorf("%w: thread has inflight runs", store.ErrConflict))
		return
	}

	// Interrupt and rollback clear the inflight set to make room.
	if len(out) > 1 && (strategy == db.MultitaskInterrupt || strategy == db.MultitaskRollback) {
		inflightIDs := make([]uuid.UUID, 0, len(out)-1)
		for _, run := range out[1:] {
			inflightIDs = append(inflightIDs, run.ID)
		}
		action := broker.ActionInterrupt
		if strategy == db.MultitaskRollback {
			action = broker.ActionRollback
		}
		if err := s.runs.Cancel(r.Context(), a, nil, inflightIDs, action); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, out[0])
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.runs.Get(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, a auth.Context) {
	threadID, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	out, err := s.runs.List(r.Context(), a, threadID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) joinRun(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.runs.Join(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	s.cancel(w, r, a, nil, []uuid.UUID{id}, req.Action)
}

func (s *Server) cancelThreadRuns(w http.ResponseWriter, r *http.Request, a auth.Context) {
	threadID, err := pathUUID(r, "thread_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		RunIDs []uuid.UUID `json:"run_ids"`
		Action string      `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.RunIDs) == 0 {
		writeError(w, fmt.Errorf("%w: run_ids is required", store.ErrValidation))
		return
	}
	s.cancel(w, r, a, &threadID, req.RunIDs, req.Action)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, a auth.Context, threadID *uuid.UUID, runIDs []uuid.UUID, action string) {
	if action == "" {
		action = broker.ActionInterrupt
	}
	if err := s.runs.Cancel(r.Context(), a, threadID, runIDs, action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
