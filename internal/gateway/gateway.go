// ABOUTME: HTTP gateway wiring for the switchboard control plane
// ABOUTME: Routes coordination, rate-limit, agent, and account endpoints

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/2389/switchboard/internal/accounts"
	"github.com/2389/switchboard/internal/coordination"
	"github.com/2389/switchboard/internal/orchestrator"
	"github.com/2389/switchboard/internal/ratelimit"
)

// Gateway exposes the coordination control plane over HTTP. Every endpoint
// speaks JSON; admission denials are successful responses with a negative
// body, not HTTP errors.
type Gateway struct {
	registry     *coordination.Registry
	locks        *coordination.LockManager
	rules        *coordination.Rules
	limiter      *ratelimit.Limiter
	policies     map[string]ratelimit.Policy
	orch         *orchestrator.Orchestrator
	selector     *accounts.Selector
	accountsPath string
	guard        *Guard
	logger       *slog.Logger
}

// Deps carries the services the gateway fronts.
type Deps struct {
	Registry     *coordination.Registry
	Locks        *coordination.LockManager
	Rules        *coordination.Rules
	Limiter      *ratelimit.Limiter
	Policies     map[string]ratelimit.Policy
	Orchestrator *orchestrator.Orchestrator
	Selector     *accounts.Selector
	AccountsPath string
	Guard        *Guard
}

// New creates a gateway over the given services.
func New(deps Deps, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:     deps.Registry,
		locks:        deps.Locks,
		rules:        deps.Rules,
		limiter:      deps.Limiter,
		policies:     deps.Policies,
		orch:         deps.Orchestrator,
		selector:     deps.Selector,
		accountsPath: deps.AccountsPath,
		guard:        deps.Guard,
		logger:       logger.With("component", "gateway"),
	}
}

// Routes builds the HTTP handler for all API endpoints.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/api/sessions", g.handleSessions)
	mux.HandleFunc("/api/sessions/cleanup", g.handleSessionCleanup)
	mux.HandleFunc("/api/sessions/", g.handleSessionByID)

	mux.HandleFunc("/api/locks", g.handleLocks)
	mux.HandleFunc("/api/check-operation", g.handleCheckOperation)

	mux.HandleFunc("/api/ratelimit/check", g.handleRateLimitCheck)
	mux.HandleFunc("/api/ratelimit/release", g.handleRateLimitRelease)

	mux.HandleFunc("/api/agents", g.handleAgents)
	mux.HandleFunc("/api/agents/cleanup", g.handleAgentCleanup)
	mux.HandleFunc("/api/agents/", g.handleAgentByID)

	mux.HandleFunc("/api/accounts/select", g.handleAccountSelect)
	mux.HandleFunc("/api/accounts/status", g.handleAccountStatus)
	mux.HandleFunc("/api/accounts/reload", g.handleAccountReload)
	mux.HandleFunc("/api/accounts/", g.handleAccountByID)

	if g.guard != nil {
		return g.guard.Wrap(mux)
	}
	return mux
}

// handleHealth handles GET /health requests.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
