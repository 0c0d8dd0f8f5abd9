// ABOUTME: HTTP API handlers for agent session orchestration and accounts
// ABOUTME: Spawn, kill, cleanup, and quota-aware account selection endpoints

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/accounts"
	"github.com/2389/switchboard/internal/orchestrator"
	"github.com/2389/switchboard/internal/store"
)

// SpawnAgentRequest is the JSON request body for POST /api/agents.
type SpawnAgentRequest struct {
	Prompt         string `json:"prompt"`
	CWD            string `json:"cwd"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`
}

// AgentSessionResponse is the JSON shape of an agent session.
type AgentSessionResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Prompt      string `json:"prompt"`
	CWD         string `json:"cwd"`
	Model       string `json:"model,omitempty"`
	PID         int    `json:"pid,omitempty"`
	TimeoutSecs int    `json:"timeout_secs"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `json:"error,omitempty"`
	Result      string `json:"result,omitempty"`
}

// AccountResponse is the JSON shape of an account usage snapshot.
type AccountResponse struct {
	ID              string  `json:"id"`
	Email           string  `json:"email,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	UsagePercent    float64 `json:"usage_percent"`
	SevenDayPercent float64 `json:"seven_day_percent"`
	ResetTime       string  `json:"reset_time,omitempty"`
	LastUpdated     string  `json:"last_updated"`
}

// UpdateAccountRequest is the JSON request body for PATCH /api/accounts/{id}.
// Only the fields present are applied; timestamps are RFC3339.
type UpdateAccountRequest struct {
	UsagePercent    *float64 `json:"usage_percent,omitempty"`
	SevenDayPercent *float64 `json:"seven_day_percent,omitempty"`
	ResetTime       *string  `json:"reset_time,omitempty"`
	FirstTokenDate  *string  `json:"first_token_date,omitempty"`
	Email           *string  `json:"email,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
}

// AccountSelectionResponse is the JSON response for GET /api/accounts/select.
type AccountSelectionResponse struct {
	Account   AccountResponse `json:"account"`
	Urgency   float64         `json:"urgency"`
	Exhausted bool            `json:"exhausted"`
	Reason    string          `json:"reason"`
}

// AccountStatusResponse is one entry of GET /api/accounts/status.
type AccountStatusResponse struct {
	Account   AccountResponse `json:"account"`
	Urgency   float64         `json:"urgency"`
	ResetAt   string          `json:"reset_at"`
	Exhausted bool            `json:"exhausted"`
}

// AccountStatusReport is the JSON response for GET /api/accounts/status.
// AllExhausted flags the system-wide condition where no account has budget
// left.
type AccountStatusReport struct {
	AllExhausted bool                    `json:"all_exhausted"`
	Accounts     []AccountStatusResponse `json:"accounts"`
}

// handleAgents handles POST (spawn) and GET (list) on /api/agents.
func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleSpawnAgent(w, r)
	case http.MethodGet:
		g.handleListAgents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req SpawnAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := g.orch.Spawn(r.Context(), orchestrator.SpawnRequest{
		Prompt:         req.Prompt,
		CWD:            req.CWD,
		Model:          req.Model,
		TimeoutSeconds: req.TimeoutSeconds,
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrAtCapacity):
			g.sendJSONError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, orchestrator.ErrCWDNotAllowed):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		default:
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	g.writeJSON(w, http.StatusCreated, agentSessionResponse(sess))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	status := store.AgentSessionStatus(r.URL.Query().Get("status"))

	sessions, err := g.orch.List(r.Context(), status)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]AgentSessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		response = append(response, agentSessionResponse(sess))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleAgentByID handles GET /api/agents/{id} and POST /api/agents/{id}/kill.
func (g *Gateway) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")

	if id, ok := strings.CutSuffix(rest, "/kill"); ok {
		g.handleKillAgent(w, r, id)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := g.orch.Get(r.Context(), rest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent session not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, agentSessionResponse(sess))
}

func (g *Gateway) handleKillAgent(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	err := g.orch.Kill(r.Context(), id, orchestrator.KillReasonManual)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "agent session not found")
	case errors.Is(err, orchestrator.ErrAlreadyFinished):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAgentCleanup handles POST /api/agents/cleanup.
func (g *Gateway) handleAgentCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	removed, err := g.orch.Cleanup(r.Context(), time.Duration(req.MaxAgeHours*float64(time.Hour)))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleAccountSelect handles GET /api/accounts/select.
func (g *Gateway) handleAccountSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	selection, err := g.selector.Select(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if selection == nil {
		g.sendJSONError(w, http.StatusNotFound, "no accounts configured")
		return
	}

	g.writeJSON(w, http.StatusOK, AccountSelectionResponse{
		Account:   accountResponse(selection.Account),
		Urgency:   selection.Urgency,
		Exhausted: selection.Exhausted,
		Reason:    selection.Reason,
	})
}

// handleAccountStatus handles GET /api/accounts/status.
func (g *Gateway) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	statuses, err := g.selector.Status(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]AccountStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		entries = append(entries, AccountStatusResponse{
			Account:   accountResponse(st.Account),
			Urgency:   st.Urgency,
			ResetAt:   st.ResetAt.UTC().Format(time.RFC3339),
			Exhausted: st.Exhausted,
		})
	}
	g.writeJSON(w, http.StatusOK, AccountStatusReport{
		AllExhausted: accounts.AllExhausted(statuses),
		Accounts:     entries,
	})
}

// handleAccountReload handles POST /api/accounts/reload, re-reading the
// usage snapshot file.
func (g *Gateway) handleAccountReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	merged, err := g.selector.LoadSnapshot(r.Context(), g.accountsPath)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"merged": merged})
}

// handleAccountByID handles GET and PATCH on /api/accounts/{id}.
func (g *Gateway) handleAccountByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/accounts/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		acct, err := g.selector.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "account not found")
				return
			}
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		g.writeJSON(w, http.StatusOK, accountResponse(acct))

	case http.MethodPatch:
		var req UpdateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		patch := store.AccountPatch{
			UsagePercent:    req.UsagePercent,
			SevenDayPercent: req.SevenDayPercent,
			Email:           req.Email,
			Notes:           req.Notes,
		}
		if req.ResetTime != nil {
			at, err := time.Parse(time.RFC3339, *req.ResetTime)
			if err != nil {
				g.sendJSONError(w, http.StatusBadRequest, "invalid reset_time")
				return
			}
			patch.ResetTime = &at
		}
		if req.FirstTokenDate != nil {
			at, err := time.Parse(time.RFC3339, *req.FirstTokenDate)
			if err != nil {
				g.sendJSONError(w, http.StatusBadRequest, "invalid first_token_date")
				return
			}
			patch.FirstTokenDate = &at
		}

		if err := g.selector.Update(r.Context(), id, patch); err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func agentSessionResponse(sess *store.AgentSession) AgentSessionResponse {
	resp := AgentSessionResponse{
		ID:          sess.ID,
		Status:      string(sess.Status),
		Prompt:      sess.Prompt,
		CWD:         sess.CWD,
		Model:       sess.Model,
		PID:         sess.PID,
		TimeoutSecs: int(sess.Timeout.Seconds()),
		CreatedAt:   sess.CreatedAt.UTC().Format(time.RFC3339),
		ExitCode:    sess.ExitCode,
		Error:       sess.Error,
		Result:      sess.Result,
	}
	if sess.StartedAt != nil {
		resp.StartedAt = sess.StartedAt.UTC().Format(time.RFC3339)
	}
	if sess.CompletedAt != nil {
		resp.CompletedAt = sess.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func accountResponse(acct *store.Account) AccountResponse {
	resp := AccountResponse{
		ID:              acct.ID,
		Email:           acct.Email,
		Notes:           acct.Notes,
		UsagePercent:    acct.UsagePercent,
		SevenDayPercent: acct.SevenDayPercent,
		LastUpdated:     acct.LastUpdated.UTC().Format(time.RFC3339),
	}
	if acct.ResetTime != nil {
		resp.ResetTime = acct.ResetTime.UTC().Format(time.RFC3339)
	}
	return resp
}
