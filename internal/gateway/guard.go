// ABOUTME: Per-client rate guard for the HTTP API surface
// ABOUTME: Token-bucket middleware keyed by client id or remote host

package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Guard throttles abusive clients at the HTTP boundary. This is transport
// protection only; the domain admission budgets live in the ratelimit
// package and survive restarts, while guard state is in-memory.
type Guard struct {
	rps    rate.Limit
	burst  int
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewGuard creates a guard allowing rps sustained requests per client with
// the given burst.
func NewGuard(rps float64, burst int, logger *slog.Logger) *Guard {
	return &Guard{
		rps:     rate.Limit(rps),
		burst:   burst,
		logger:  logger.With("component", "guard"),
		clients: make(map[string]*rate.Limiter),
	}
}

// Wrap applies the guard to the given handler.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !g.limiterFor(key).Allow() {
			g.logger.Warn("request throttled", "client", key, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) limiterFor(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.clients[key]
	if !ok {
		limiter = rate.NewLimiter(g.rps, g.burst)
		g.clients[key] = limiter
	}
	return limiter
}

// clientKey identifies the caller: an explicit client id header when
// present, the remote host otherwise.
func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
