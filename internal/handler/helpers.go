package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/groups"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/middleware"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/reconcile"
)

// GroupsAction is the form nonce action for group code changes.
const GroupsAction = "groups"

// GroupService accepts, revokes and lists group codes.
type GroupService interface {
	Accept(ctx context.Context, code string) (*groups.AcceptResult, error)
	Revoke(ctx context.Context, code string) error
	ListGroups(ctx context.Context) ([]groups.Entry, error)
}

// MemberReconciler provisions local accounts for group members.
type MemberReconciler interface {
	Reconcile(ctx context.Context, record *model.GroupRecord) []reconcile.Outcome
}

// HealthChecker is a dependency probed by the readiness endpoint.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handler holds shared dependencies injected into all route handlers.
type Handler struct {
	Groups  GroupService
	Members MemberReconciler
	Nonces  *middleware.FormGuard
	Checks  map[string]HealthChecker
	Logger  *zap.Logger
}

// NewHandler creates a Handler with all dependencies.
func NewHandler(gs GroupService, members MemberReconciler, nonces *middleware.FormGuard, checks map[string]HealthChecker, logger *zap.Logger) *Handler {
	return &Handler{
		Groups:  gs,
		Members: members,
		Nonces:  nonces,
		Checks:  checks,
		Logger:  logger.Named("handler"),
	}
}

// decodeJSON reads and decodes a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	model.WriteJSON(w, status, v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	model.WriteError(w, status, code, message)
}
