package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seekerlab/seeker/pkg/models"
)

// webhookTimeout bounds a single delivery attempt.
const webhookTimeout = 5 * time.Second

// webhookMaxRetries is how many times a failed delivery is retried
// (with exponential backoff) before being dropped.
const webhookMaxRetries = 2

// WebhookPayload is the JSON body POSTed to a job's notify URL when it
// reaches a terminal state.
type WebhookPayload struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Notifier delivers terminal-status webhooks. Delivery is best-effort:
// failures are logged and dropped, never fed back into job state.
type Notifier struct {
	client *http.Client
}

// NewNotifier creates a Notifier with a dedicated HTTP client.
func NewNotifier() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Deliver POSTs the payload to url, retrying transient failures with
// exponential backoff. Intended to run on its own goroutine.
func (n *Notifier) Deliver(url string, payload WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal webhook payload",
			"job_id", payload.JobID, "error", err)
		return
	}

	operation := func() error {
		return n.post(url, body)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookMaxRetries)
	if err := backoff.Retry(operation, policy); err != nil {
		slog.Warn("Webhook delivery failed",
			"job_id", payload.JobID, "url", url, "error", err)
		return
	}

	slog.Debug("Webhook delivered", "job_id", payload.JobID, "url", url)
}

// post performs one delivery attempt. 4xx responses are permanent
// (retrying will not help); 5xx and transport errors are retryable.
func (n *Notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}
