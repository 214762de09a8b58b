package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/groups"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/middleware"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/reconcile"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/remote"
)

// IssueFormNonce handles GET /api/v1/admin/groups/nonce
func (h *Handler) IssueFormNonce(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}

	nonce, exp, err := h.Nonces.Issue(claims.Subject, GroupsAction)
	if err != nil {
		h.Logger.Error("failed to issue form nonce", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to issue form nonce")
		return
	}

	writeJSON(w, http.StatusOK, model.FormNonceResponse{Nonce: nonce, ExpiresAt: exp.Unix()})
}

// ListGroups handles GET /api/v1/admin/groups
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.Groups.ListGroups(ctx)
	if err != nil {
		h.Logger.Error("failed to list groups", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load stored groups")
		return
	}

	views := make([]model.GroupView, 0, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			views = append(views, placeholderView(e))
			continue
		}
		views = append(views, groupView(e.Token, e.Record, h.Members.Reconcile(ctx, e.Record)))
	}

	writeJSON(w, http.StatusOK, views)
}

// AcceptGroup handles POST /api/v1/admin/groups
func (h *Handler) AcceptGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code, ok := readCode(w, r)
	if !ok {
		return
	}

	res, err := h.Groups.Accept(ctx, code)
	if err != nil {
		h.writeGroupError(w, r, err)
		return
	}

	resp := model.AcceptGroupResponse{
		Group:        groupView(code, res.Record, h.Members.Reconcile(ctx, res.Record)),
		Notification: model.NotificationStatus{Delivered: res.NotifyErr == nil},
	}
	if res.NotifyErr != nil {
		resp.Notification.Error = remote.Message(res.NotifyErr)
	}

	writeJSON(w, http.StatusCreated, resp)
}

// RevokeGroup handles DELETE /api/v1/admin/groups
func (h *Handler) RevokeGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code, ok := readCode(w, r)
	if !ok {
		return
	}

	if err := h.Groups.Revoke(ctx, code); err != nil {
		h.Logger.Error("failed to revoke group", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to remove group")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func readCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req model.GroupCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return "", false
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "code is required")
		return "", false
	}
	return code, true
}

// writeGroupError maps an accept failure to a response. Group host
// rejections carry the host's message verbatim.
func (h *Handler) writeGroupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case groups.IsMalformed(err):
		writeError(w, http.StatusBadRequest, "MALFORMED_CODE", "the group code is not valid")
	case remote.IsRejected(err):
		re, _ := remote.AsError(err)
		writeJSON(w, http.StatusUnprocessableEntity, model.ErrorResponse{
			Error:        re.Message,
			Code:         "GROUP_REJECTED",
			RemoteStatus: re.Status,
		})
	default:
		h.Logger.Error("failed to accept group", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		if _, ok := remote.AsError(err); ok {
			writeError(w, http.StatusBadGateway, "REMOTE_ERROR", remote.Message(err))
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to accept group")
	}
}

func groupView(code string, record *model.GroupRecord, outcomes []reconcile.Outcome) model.GroupView {
	view := model.GroupView{
		Code:    code,
		Name:    record.Info.Name,
		URL:     record.Info.URL,
		Members: make([]model.MemberView, 0, len(outcomes)),
	}
	for _, o := range outcomes {
		mv := model.MemberView{
			LoginName:   o.Member.LoginName,
			ProfileURL:  o.Member.ProfileURL,
			DisplayName: o.DisplayName(),
			Status:      string(o.Status),
		}
		if o.Err != nil {
			mv.Error = o.Err.Error()
		}
		view.Members = append(view.Members, mv)
	}
	return view
}

func placeholderView(e groups.Entry) model.GroupView {
	return model.GroupView{
		Code:        e.Token,
		Name:        e.Placeholder().Info.Name,
		Placeholder: true,
		Members:     []model.MemberView{},
	}
}
