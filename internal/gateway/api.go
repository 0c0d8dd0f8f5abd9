// ABOUTME: HTTP API handlers for sessions, locks, operation checks, and rate limits
// ABOUTME: Denied admissions are 200 responses with allowed=false, never errors

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/coordination"
	"github.com/2389/switchboard/internal/ratelimit"
	"github.com/2389/switchboard/internal/store"
)

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	ID       string `json:"id,omitempty"`
	User     string `json:"user"`
	Project  string `json:"project,omitempty"`
	CWD      string `json:"cwd,omitempty"`
	Branch   string `json:"branch,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// UpdateSessionRequest is the JSON request body for PATCH /api/sessions/{id}.
// Absent fields are left unchanged.
type UpdateSessionRequest struct {
	Branch           *string   `json:"branch,omitempty"`
	CWD              *string   `json:"cwd,omitempty"`
	CurrentOperation *string   `json:"current_operation,omitempty"`
	FilesEditing     *[]string `json:"files_editing,omitempty"`
}

// SessionResponse is the JSON shape of a coordination session.
type SessionResponse struct {
	ID               string   `json:"id"`
	User             string   `json:"user"`
	Project          string   `json:"project,omitempty"`
	CWD              string   `json:"cwd,omitempty"`
	Branch           string   `json:"branch,omitempty"`
	ClientID         string   `json:"client_id,omitempty"`
	CurrentOperation string   `json:"current_operation,omitempty"`
	FilesEditing     []string `json:"files_editing,omitempty"`
	LastActivityAt   string   `json:"last_activity_at"`
}

// AcquireLockRequest is the JSON request body for POST /api/locks.
type AcquireLockRequest struct {
	SessionID string `json:"session_id"`
	LockType  string `json:"lock_type,omitempty"` // inferred from target when empty
	Target    string `json:"target"`
	Mode      string `json:"mode,omitempty"` // defaults to exclusive
}

// LockDecisionResponse is the JSON response for lock acquisition attempts.
type LockDecisionResponse struct {
	Allowed           bool   `json:"allowed"`
	BlockingSessionID string `json:"blocking_session_id,omitempty"`
	BlockingMode      string `json:"blocking_mode,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// LockResponse is the JSON shape of a held lock.
type LockResponse struct {
	SessionID  string `json:"session_id"`
	LockType   string `json:"lock_type"`
	Target     string `json:"target"`
	Mode       string `json:"mode"`
	AcquiredAt string `json:"acquired_at"`
}

// CheckOperationRequest is the JSON request body for POST /api/check-operation.
type CheckOperationRequest struct {
	SessionID string `json:"session_id"`
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

// ConflictResponse identifies the session blocking an operation.
type ConflictResponse struct {
	SessionID        string `json:"session_id"`
	ClientID         string `json:"client_id,omitempty"`
	User             string `json:"user,omitempty"`
	CurrentOperation string `json:"current_operation,omitempty"`
	Mode             string `json:"mode"`
	AcquiredAt       string `json:"acquired_at"`
}

// OperationDecisionResponse is the JSON response for operation checks.
type OperationDecisionResponse struct {
	Allowed      bool              `json:"allowed"`
	Operation    string            `json:"operation"`
	LockType     string            `json:"lock_type"`
	RequiredMode string            `json:"required_mode,omitempty"`
	Conflict     *ConflictResponse `json:"conflict,omitempty"`
}

// RateLimitRequest is the JSON request body for ratelimit check and release.
type RateLimitRequest struct {
	Service string `json:"service"`
}

// RateLimitDecisionResponse is the JSON response for POST /api/ratelimit/check.
type RateLimitDecisionResponse struct {
	Allowed       bool    `json:"allowed"`
	Remaining     float64 `json:"remaining"`
	RetryAfterMs  int64   `json:"retry_after_ms,omitempty"`
	Policy        string  `json:"policy"`
	Unconstrained bool    `json:"unconstrained,omitempty"`
}

// CleanupRequest is the JSON request body for cleanup endpoints.
type CleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours"`
}

// handleSessions handles POST (register) and GET (list) on /api/sessions.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleCreateSession(w, r)
	case http.MethodGet:
		g.handleListSessions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := g.registry.Create(r.Context(), coordination.CreateSessionInput{
		ID:       req.ID,
		User:     req.User,
		Project:  req.Project,
		CWD:      req.CWD,
		Branch:   req.Branch,
		ClientID: req.ClientID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			g.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{}
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		filter.ClientID = &clientID
	}
	if project := r.URL.Query().Get("project"); project != "" {
		filter.Project = &project
	}

	sessions, err := g.registry.List(r.Context(), filter)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		response = append(response, sessionResponse(sess))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleSessionByID handles GET, PATCH, and DELETE on /api/sessions/{id}.
func (g *Gateway) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := g.registry.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		g.writeJSON(w, http.StatusOK, sessionResponse(sess))

	case http.MethodPatch:
		var req UpdateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		updated, err := g.registry.Update(r.Context(), id, store.SessionPatch{
			Branch:           req.Branch,
			CWD:              req.CWD,
			CurrentOperation: req.CurrentOperation,
			FilesEditing:     req.FilesEditing,
		})
		if err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !updated {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		deleted, err := g.registry.Delete(r.Context(), id)
		if err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !deleted {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSessionCleanup handles POST /api/sessions/cleanup.
func (g *Gateway) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	removed, err := g.registry.CleanupStale(r.Context(), time.Duration(req.MaxAgeHours*float64(time.Hour)))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// handleLocks handles POST (acquire), GET (list), and DELETE (release) on
// /api/locks.
func (g *Gateway) handleLocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleAcquireLock(w, r)
	case http.MethodGet:
		g.handleListLocks(w, r)
	case http.MethodDelete:
		g.handleReleaseLock(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req AcquireLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	lockType := store.LockType(req.LockType)
	if req.LockType == "" {
		lockType = coordination.ClassifyTarget(req.Target)
	}
	mode := store.LockMode(req.Mode)
	if req.Mode == "" {
		mode = store.LockModeExclusive
	}

	result, err := g.locks.Acquire(r.Context(), req.SessionID, lockType, req.Target, mode)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.writeJSON(w, http.StatusOK, LockDecisionResponse{
		Allowed:           result.Allowed,
		BlockingSessionID: result.BlockingSessionID,
		BlockingMode:      string(result.BlockingMode),
		Reason:            result.Reason,
	})
}

func (g *Gateway) handleListLocks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	held, err := g.locks.ListForSession(r.Context(), sessionID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]LockResponse, 0, len(held))
	for _, lock := range held {
		response = append(response, LockResponse{
			SessionID:  lock.SessionID,
			LockType:   string(lock.LockType),
			Target:     lock.Target,
			Mode:       string(lock.Mode),
			AcquiredAt: lock.AcquiredAt.UTC().Format(time.RFC3339),
		})
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleReleaseLock releases one lock, or every lock the session holds when
// no target is given.
func (g *Gateway) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	target := q.Get("target")

	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if target == "" {
		count, err := g.locks.ReleaseAll(r.Context(), sessionID)
		if err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]int64{"released": count})
		return
	}

	lockType := store.LockType(q.Get("lock_type"))
	if lockType == "" {
		lockType = coordination.ClassifyTarget(target)
	}

	released, err := g.locks.Release(r.Context(), sessionID, lockType, target)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// handleCheckOperation handles POST /api/check-operation.
func (g *Gateway) handleCheckOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CheckOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	decision, err := g.rules.CheckOperation(r.Context(), req.SessionID, coordination.Operation(req.Operation), req.Target)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	response := OperationDecisionResponse{
		Allowed:      decision.Allowed,
		Operation:    string(decision.Operation),
		LockType:     string(decision.LockType),
		RequiredMode: string(decision.RequiredMode),
	}
	if decision.Conflict != nil {
		response.Conflict = &ConflictResponse{
			SessionID:        decision.Conflict.SessionID,
			ClientID:         decision.Conflict.ClientID,
			User:             decision.Conflict.User,
			CurrentOperation: decision.Conflict.CurrentOperation,
			Mode:             string(decision.Conflict.Mode),
			AcquiredAt:       decision.Conflict.AcquiredAt.UTC().Format(time.RFC3339),
		}
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleRateLimitCheck handles POST /api/ratelimit/check. Services without a
// configured policy are unconstrained.
func (g *Gateway) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		g.sendJSONError(w, http.StatusBadRequest, "service is required")
		return
	}

	policy, ok := g.policies[req.Service]
	if !ok {
		policy = ratelimit.Policy{Kind: ratelimit.PolicyNone}
	}

	decision, err := g.limiter.Admit(r.Context(), req.Service, policy)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := RateLimitDecisionResponse{
		Allowed:   decision.Allowed,
		Remaining: decision.Remaining,
		Policy:    string(policy.Kind),
	}
	if policy.Kind == ratelimit.PolicyNone {
		response.Unconstrained = true
		response.Remaining = -1
	}
	if decision.RetryAfter > 0 {
		response.RetryAfterMs = decision.RetryAfter.Milliseconds()
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleRateLimitRelease handles POST /api/ratelimit/release.
func (g *Gateway) handleRateLimitRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		g.sendJSONError(w, http.StatusBadRequest, "service is required")
		return
	}

	if err := g.limiter.Release(r.Context(), req.Service); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		ID:               sess.ID,
		User:             sess.User,
		Project:          sess.Project,
		CWD:              sess.CWD,
		Branch:           sess.Branch,
		ClientID:         sess.ClientID,
		CurrentOperation: sess.CurrentOperation,
		FilesEditing:     sess.FilesEditing,
		LastActivityAt:   sess.LastActivityAt.UTC().Format(time.RFC3339),
	}
}
