// ABOUTME: Session Registry service cataloging live coordination sessions
// ABOUTME: Supplies session identity for conflict reporting and staleness cleanup

package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
)

// CreateSessionInput is the caller-supplied shape of a new session.
type CreateSessionInput struct {
	ID       string // optional; generated when empty
	User     string
	Project  string
	CWD      string
	Branch   string
	ClientID string
}

// Registry manages the durable catalog of active coordination sessions.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	// staleAfter bounds growth from abandoned clients: sessions idle longer
	// than this are swept before each create.
	staleAfter time.Duration
}

// NewRegistry creates a session registry. staleAfter of zero disables the
// opportunistic sweep on create.
func NewRegistry(s store.Store, staleAfter time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:      s,
		logger:     logger.With("component", "registry"),
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

// SetNow overrides the registry's clock. Intended for tests.
func (r *Registry) SetNow(now func() time.Time) {
	r.now = now
}

// Create registers a new session. Returns store.ErrDuplicateSession when the
// id is already registered. Stale sessions are swept first so abandoned
// clients don't accumulate.
func (r *Registry) Create(ctx context.Context, input CreateSessionInput) (*store.Session, error) {
	if input.User == "" {
		return nil, fmt.Errorf("user is required")
	}

	if r.staleAfter > 0 {
		if _, err := r.CleanupStale(ctx, r.staleAfter); err != nil {
			r.logger.Warn("stale session sweep failed", "error", err)
		}
	}

	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}

	sess := &store.Session{
		ID:             id,
		User:           input.User,
		Project:        input.Project,
		CWD:            input.CWD,
		Branch:         input.Branch,
		ClientID:       input.ClientID,
		LastActivityAt: r.now(),
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	r.logger.Info("session registered", "id", sess.ID, "user", sess.User, "client_id", sess.ClientID)
	return sess, nil
}

// Get retrieves a session by id.
func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	return r.store.GetSession(ctx, id)
}

// List returns sessions matching the filter, most recently active first.
func (r *Registry) List(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	return r.store.ListSessions(ctx, filter)
}

// Update applies a patch and bumps the session's activity timestamp.
// Returns false when the session does not exist.
func (r *Registry) Update(ctx context.Context, id string, patch store.SessionPatch) (bool, error) {
	return r.store.UpdateSession(ctx, id, patch, r.now())
}

// Delete removes a session; its locks are released by cascade.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := r.store.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		r.logger.Info("session deleted", "id", id)
	}
	return deleted, nil
}

// CleanupStale removes sessions idle longer than maxAge and returns the count.
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %v", maxAge)
	}
	return r.store.DeleteStaleSessions(ctx, r.now().Add(-maxAge))
}
