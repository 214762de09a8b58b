package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/groups"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/middleware"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/reconcile"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/remote"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/token"
)

type fakeGroups struct {
	acceptRes *groups.AcceptResult
	acceptErr error
	entries   []groups.Entry
	listErr   error
	revoked   []string
}

func (f *fakeGroups) Accept(context.Context, string) (*groups.AcceptResult, error) {
	return f.acceptRes, f.acceptErr
}

func (f *fakeGroups) Revoke(_ context.Context, code string) error {
	f.revoked = append(f.revoked, code)
	return nil
}

func (f *fakeGroups) ListGroups(context.Context) ([]groups.Entry, error) {
	return f.entries, f.listErr
}

// existingMembers reports every member as an existing account.
type existingMembers struct{}

func (existingMembers) Reconcile(_ context.Context, record *model.GroupRecord) []reconcile.Outcome {
	out := make([]reconcile.Outcome, 0, len(record.Members))
	for _, m := range record.Members {
		out = append(out, reconcile.Outcome{
			Member:  m,
			Account: &model.Account{Login: m.LoginName, DisplayName: strings.ToUpper(m.LoginName)},
			Status:  reconcile.StatusExisting,
		})
	}
	return out
}

type checkFunc func(context.Context) error

func (f checkFunc) Healthy(ctx context.Context) error { return f(ctx) }

func newTestHandler(t *testing.T, gs GroupService) *Handler {
	t.Helper()
	guard, err := middleware.NewFormGuard([]byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewHandler(gs, existingMembers{}, guard, nil, zaptest.NewLogger(t))
}

func adminRequest(method, body string) *http.Request {
	r := httptest.NewRequest(method, "/api/v1/admin/groups", strings.NewReader(body))
	return r.WithContext(middleware.WithClaims(r.Context(), &middleware.Claims{Subject: "sub-1", PreferredUsername: "alice"}))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var e model.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestAcceptGroup_Created(t *testing.T) {
	fg := &fakeGroups{acceptRes: &groups.AcceptResult{
		Record: &model.GroupRecord{
			Info:    model.GroupInfo{Name: "Writers", URL: "http://host/g/3"},
			Members: []model.Member{{LoginName: "bob", ProfileURL: "http://host/u/bob"}},
		},
		NotifyErr: &remote.Error{Kind: remote.KindTransport, Command: remote.CmdAddBlog, Message: "request failed"},
	}}
	h := newTestHandler(t, fg)

	rec := httptest.NewRecorder()
	h.AcceptGroup(rec, adminRequest(http.MethodPost, `{"code":"  abc  "}`))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got model.AcceptGroupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := model.AcceptGroupResponse{
		Group: model.GroupView{
			Code: "abc",
			Name: "Writers",
			URL:  "http://host/g/3",
			Members: []model.MemberView{{
				LoginName:   "bob",
				ProfileURL:  "http://host/u/bob",
				DisplayName: "BOB",
				Status:      "existing",
			}},
		},
		Notification: model.NotificationStatus{
			Delivered: false,
			Error:     "the group host could not be reached or sent an invalid response",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestAcceptGroup_Errors(t *testing.T) {
	_, malformed := token.Decode("!!")

	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
		wantMsg  string
	}{
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest, wantErr: "INVALID_JSON"},
		{name: "empty code", body: `{"code":"  "}`, wantCode: http.StatusBadRequest, wantErr: "MISSING_FIELD"},
		{name: "malformed", body: `{"code":"!!"}`, err: malformed, wantCode: http.StatusBadRequest, wantErr: "MALFORMED_CODE"},
		{
			name:     "rejected",
			body:     `{"code":"abc"}`,
			err:      &remote.Error{Kind: remote.KindServerRejected, Message: "You are not a member of this group", Status: remote.StatusNotMember},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "GROUP_REJECTED",
			wantMsg:  "You are not a member of this group",
		},
		{
			name:     "invalid content type",
			body:     `{"code":"abc"}`,
			err:      &remote.Error{Kind: remote.KindInvalidContentType},
			wantCode: http.StatusBadGateway,
			wantErr:  "REMOTE_ERROR",
		},
		{
			name:     "store failure",
			body:     `{"code":"abc"}`,
			err:      errors.New("vault sealed"),
			wantCode: http.StatusInternalServerError,
			wantErr:  "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeGroups{acceptErr: tt.err})
			rec := httptest.NewRecorder()
			h.AcceptGroup(rec, adminRequest(http.MethodPost, tt.body))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			e := decodeError(t, rec)
			if e.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", e.Code, tt.wantErr)
			}
			if tt.wantMsg != "" && e.Error != tt.wantMsg {
				t.Errorf("message = %q, want %q", e.Error, tt.wantMsg)
			}
			if tt.wantErr == "GROUP_REJECTED" && e.RemoteStatus != remote.StatusNotMember {
				t.Errorf("remote_status = %d, want %d", e.RemoteStatus, remote.StatusNotMember)
			}
		})
	}
}

func TestListGroups_WithPlaceholder(t *testing.T) {
	fg := &fakeGroups{entries: []groups.Entry{
		{Token: "t1", Record: &model.GroupRecord{Info: model.GroupInfo{Name: "One"}, Members: []model.Member{{LoginName: "ann"}}}},
		{Token: "t2", Err: &remote.Error{Kind: remote.KindServerRejected, Message: "This group was deleted"}},
	}}
	h := newTestHandler(t, fg)

	rec := httptest.NewRecorder()
	h.ListGroups(rec, adminRequest(http.MethodGet, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got []model.GroupView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []model.GroupView{
		{Code: "t1", Name: "One", Members: []model.MemberView{{LoginName: "ann", DisplayName: "ANN", Status: "existing"}}},
		{Code: "t2", Name: "This group was deleted", Placeholder: true, Members: []model.MemberView{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestListGroups_StoreError(t *testing.T) {
	h := newTestHandler(t, &fakeGroups{listErr: errors.New("vault sealed")})
	rec := httptest.NewRecorder()
	h.ListGroups(rec, adminRequest(http.MethodGet, ""))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRevokeGroup(t *testing.T) {
	fg := &fakeGroups{}
	h := newTestHandler(t, fg)

	rec := httptest.NewRecorder()
	h.RevokeGroup(rec, adminRequest(http.MethodDelete, `{"code":"abc"}`))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if diff := cmp.Diff([]string{"abc"}, fg.revoked); diff != "" {
		t.Errorf("revoked mismatch (-want +got):\n%s", diff)
	}
}

func TestIssueFormNonce(t *testing.T) {
	h := newTestHandler(t, &fakeGroups{})

	rec := httptest.NewRecorder()
	h.IssueFormNonce(rec, adminRequest(http.MethodGet, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got model.FormNonceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := h.Nonces.Verify(got.Nonce, "sub-1", GroupsAction); err != nil {
		t.Errorf("issued nonce does not verify: %v", err)
	}
	if got.ExpiresAt <= time.Now().Unix() {
		t.Errorf("expires_at %d is not in the future", got.ExpiresAt)
	}
}

func TestReadyz(t *testing.T) {
	h := newTestHandler(t, &fakeGroups{})
	h.Checks = map[string]HealthChecker{
		"keycloak": checkFunc(func(context.Context) error { return nil }),
		"vault":    checkFunc(func(context.Context) error { return errors.New("sealed") }),
	}

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]string{"status": "degraded", "keycloak": "ok", "vault": "unavailable"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("readyz mismatch (-want +got):\n%s", diff)
	}
}
