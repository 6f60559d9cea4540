package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
	"github.com/loomworks/loomd/internal/metrics"
)

// WebhookSender posts run completion payloads. Deliveries are fire and
// forget: failures are logged and counted, never retried, and never affect
// the run outcome.
type WebhookSender struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewWebhookSender(logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		logger:  logger,
	}
}

type webhookPayload struct {
	Checkpoint *graph.Checkpoint `json:"checkpoint"`
	Status     string            `json:"status"`
	Exception  string            `json:"exception,omitempty"`
	Run        db.Run            `json:"run"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
}

// Send delivers the completion payload in a goroutine.
func (w *WebhookSender) Send(url string, run db.Run, checkpoint *graph.Checkpoint, status string, runErr error, startedAt, endedAt time.Time) {
	payload := webhookPayload{
		Checkpoint: checkpoint,
		Status:     status,
		Run:        run,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
	}
	if runErr != nil {
		payload.Exception = runErr.Error()
	}
	runID := run.ID.String()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := w.limiter.Wait(ctx); err != nil {
			metrics.WebhooksSent.WithLabelValues("dropped").Inc()
			return
		}

		body, err := json.Marshal(payload)
		if err != nil {
			metrics.WebhooksSent.WithLabelValues("error").Inc()
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			metrics.WebhooksSent.WithLabelValues("error").Inc()
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("Webhook delivery failed",
				zap.String("run_id", runID), zap.Error(err))
			metrics.WebhooksSent.WithLabelValues("error").Inc()
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			w.logger.Warn("Webhook rejected",
				zap.String("run_id", runID), zap.Int("status", resp.StatusCode))
			metrics.WebhooksSent.WithLabelValues("error").Inc()
			return
		}
		metrics.WebhooksSent.WithLabelValues("success").Inc()
	}()
}
