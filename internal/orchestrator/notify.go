// ABOUTME: Best-effort completion webhooks for finished agent sessions
// ABOUTME: Bounded retries with backoff; failures are logged and swallowed

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// CompletionEvent is the payload posted to a session's callback URL.
type CompletionEvent struct {
	SessionID   string     `json:"session_id"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Notifier delivers completion callbacks. Delivery is best effort: a
// callback that keeps failing is dropped after the retry budget, and the
// session's terminal state is never affected.
type Notifier struct {
	client   *http.Client
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewNotifier creates a notifier with a bounded retry policy.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "notifier"),
		attempts: 3,
		backoff:  2 * time.Second,
	}
}

// NotifyCompletion posts the session's terminal state to its callback URL.
func (n *Notifier) NotifyCompletion(ctx context.Context, sess *store.AgentSession) {
	event := CompletionEvent{
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		ExitCode:    sess.ExitCode,
		Result:      sess.Result,
		Error:       sess.Error,
		CompletedAt: sess.CompletedAt,
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("encoding completion event", "session_id", sess.ID, "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if lastErr = n.post(ctx, sess.CallbackURL, body); lastErr == nil {
			n.logger.Debug("completion callback delivered", "session_id", sess.ID, "url", sess.CallbackURL)
			return
		}

		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.backoff * time.Duration(attempt)):
			}
		}
	}

	n.logger.Warn("completion callback dropped",
		"session_id", sess.ID,
		"url", sess.CallbackURL,
		"attempts", n.attempts,
		"error", lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
