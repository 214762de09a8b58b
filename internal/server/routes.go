package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/config"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/handler"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/middleware"
)

// Admin request budget per admin.
const (
	adminRPS   = 2
	adminBurst = 10
)

// NewRouter builds the complete HTTP handler with all routes and middleware.
// Background work started for the router stops when ctx is done.
func NewRouter(ctx context.Context, cfg *config.Config, h *handler.Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	// --- Unauthenticated routes ---
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// --- Admin routes ---
	// Chain: OIDC auth -> site admin -> rate limit -> form nonce
	auth := middleware.OIDCAuth(logger, cfg.OIDCIssuerURL, cfg.OIDCClientID)
	siteAdmin := middleware.RequireSiteAdmin(logger, cfg.AdminGroups...)
	limiter := middleware.NewRateLimiter(ctx, adminRPS, adminBurst)
	nonce := h.Nonces.Require(logger, handler.GroupsAction)

	admin := func(fn http.HandlerFunc) http.Handler {
		return auth(siteAdmin(limiter.Limit(nonce(fn))))
	}

	mux.Handle("GET /api/v1/admin/groups/nonce", admin(h.IssueFormNonce))
	mux.Handle("GET /api/v1/admin/groups", admin(h.ListGroups))
	mux.Handle("POST /api/v1/admin/groups", admin(h.AcceptGroup))
	mux.Handle("DELETE /api/v1/admin/groups", admin(h.RevokeGroup))

	// --- Apply global middleware (outermost first) ---
	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = cors(cfg.CORSOrigin)(root)
	root = middleware.Recovery(logger)(root)
	root = middleware.RequestID(root)

	return root
}

// cors adds CORS headers for the admin frontend.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, "+middleware.FormNonceHeader)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
