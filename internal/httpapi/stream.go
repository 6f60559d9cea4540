package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/metrics"
	"github.com/loomworks/loomd/internal/store"
)

const heartbeatEvery = 15 * time.Second

// streamRun streams a run's events via Server-Sent Events.
// GET /runs/{run_id}/stream
//
// Resumable runs honor Last-Event-ID (header or query param) and replay from
// that sequence id; one-shot runs deliver each event to whichever consumer
// drains it first. The stream ends at the done control event, when the run
// reaches a terminal status, on a detected gap, or when the client
// disconnects.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, a auth.Context) {
	id, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runs.Get(r.Context(), a, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	fmt.Fprintf(w, ": connected to run %s\n\n", id)
	flusher.Flush()

	ctx := r.Context()
	terminal := db.TerminalRunStatus(run.Status)
	for {
		// A settled run can never push more events; only drain what is left.
		timeout := heartbeatEvery
		if terminal {
			timeout = time.Second
		}
		events, err := s.broker.Get(ctx, id, broker.GetOptions{
			Timeout:     timeout,
			LastEventID: lastID,
		})
		switch {
		case errors.Is(err, broker.ErrGetTimeout):
			if terminal {
				return
			}
			cur, gerr := s.runs.Get(ctx, a, id)
			if errors.Is(gerr, store.ErrNotFound) || (gerr == nil && db.TerminalRunStatus(cur.Status)) {
				// One more drain pass before closing.
				terminal = true
				continue
			}
			// Keep connections alive through proxies.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			continue
		case errors.Is(err, broker.ErrStreamGap):
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", "stream gap detected, restart from scratch")
			flusher.Flush()
			return
		case err != nil:
			if ctx.Err() != nil {
				s.logger.Info("SSE client disconnected", zap.String("run_id", id.String()))
				return
			}
			s.logger.Warn("SSE read failed", zap.String("run_id", id.String()), zap.Error(err))
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", "stream read failed")
			flusher.Flush()
			return
		}

		for _, ev := range events {
			if ev.Seq > lastID {
				lastID = ev.Seq
			}
			name := broker.EventName(ev.Topic)
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			fmt.Fprintf(w, "event: %s\n", name)
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			if name == "control" && string(ev.Data) == broker.ActionDone {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}
}
