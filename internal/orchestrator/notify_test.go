// ABOUTME: Tests for the completion webhook notifier
// ABOUTME: Covers delivery, retry on transient failure, and give-up

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func testAgentSession(url string) *store.AgentSession {
	exitCode := 0
	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.AgentSession{
		ID:          "sess-1",
		Status:      store.AgentStatusCompleted,
		ExitCode:    &exitCode,
		Result:      `{"type":"result","result":"ok"}`,
		CompletedAt: &completedAt,
		CallbackURL: url,
	}
}

func TestNotifier_Delivers(t *testing.T) {
	var received atomic.Pointer[CompletionEvent]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event CompletionEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received.Store(&event)
	}))
	defer srv.Close()

	n := NewNotifier(slog.Default())
	n.NotifyCompletion(context.Background(), testAgentSession(srv.URL))

	event := received.Load()
	require.NotNil(t, event)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, "completed", event.Status)
	require.NotNil(t, event.ExitCode)
	assert.Equal(t, 0, *event.ExitCode)
}

func TestNotifier_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	n := NewNotifier(slog.Default())
	n.backoff = time.Millisecond
	n.NotifyCompletion(context.Background(), testAgentSession(srv.URL))

	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifier_GivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewNotifier(slog.Default())
	n.backoff = time.Millisecond
	n.NotifyCompletion(context.Background(), testAgentSession(srv.URL))

	assert.Equal(t, int32(3), calls.Load())
}
