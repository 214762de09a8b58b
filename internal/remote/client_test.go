package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

func newTestClient(t *testing.T, mode EndpointMode) *Client {
	t.Helper()
	return NewClient(Options{Endpoint: "/rwgroupinfo", Mode: mode, InsecureSkipVerify: true}, zaptest.NewLogger(t))
}

// lastSegment returns the decoded envelope from the request path.
func lastSegment(t *testing.T, r *http.Request) (string, string) {
	t.Helper()
	raw := r.URL.EscapedPath()
	idx := strings.LastIndex(raw, "/")
	seg, err := url.PathUnescape(raw[idx+1:])
	if err != nil {
		t.Fatalf("path segment not escaped: %v", err)
	}
	return raw[:idx], seg
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_, _ = w.Write([]byte(body))
	}
}

func TestGetGroup_Envelope(t *testing.T) {
	var gotPath, gotEnvelope string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotEnvelope = lastSegment(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"info":{"name":"Team","url":"http://example.org/groups/team"},"members":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, ModeLegacy)
	if _, err := c.GetGroup(context.Background(), server.URL+"/rwgroupinfo", "alice", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := `{"cmd":"get_group","data":{"admin":"alice","group_id":"3"}}`; gotEnvelope != want {
		t.Errorf("envelope = %s, want %s", gotEnvelope, want)
	}
	// The legacy check does not detect the existing suffix.
	if gotPath != "/rwgroupinfo/rwgroupinfo" {
		t.Errorf("path = %q, want /rwgroupinfo/rwgroupinfo", gotPath)
	}
}

func TestGetGroup_Record(t *testing.T) {
	server := httptest.NewServer(jsonHandler(`{
		"info": {"name": "Reli Team", "url": "http://example.org/groups/reli"},
		"members": [
			{"login_name": "alice", "profile_url": "http://example.org/members/alice"},
			{"login_name": "bob", "profil_url": "http://example.org/members/bob"}
		]
	}`))
	defer server.Close()

	c := newTestClient(t, ModeSuffix)
	got, err := c.GetGroup(context.Background(), server.URL, "admin", "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &model.GroupRecord{
		Info: model.GroupInfo{Name: "Reli Team", URL: "http://example.org/groups/reli"},
		Members: []model.Member{
			{LoginName: "alice", ProfileURL: "http://example.org/members/alice"},
			{LoginName: "bob", ProfileURL: "http://example.org/members/bob"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetGroup() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetGroup_LegacyMemberKey(t *testing.T) {
	server := httptest.NewServer(jsonHandler(`{"info":{"name":"Old"},"member":[{"login_name":"carol"}]}`))
	defer server.Close()

	got, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "admin", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Members) != 1 || got.Members[0].LoginName != "carol" {
		t.Errorf("members = %+v", got.Members)
	}
}

func TestAddBlog_Envelope(t *testing.T) {
	var gotEnvelope string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, gotEnvelope = lastSegment(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	site := model.SiteInfo{
		SiteURL:     "https://blog.example.org",
		FeedURL:     "https://blog.example.org/feed/",
		CommentsURL: "https://blog.example.org/comments/feed/",
		Name:        "My Blog & Co",
	}
	ack, err := newTestClient(t, ModeLegacy).AddBlog(context.Background(), server.URL, NewAddBlogPayload(site, "3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ack) != `{"success":true}` {
		t.Errorf("ack = %s", ack)
	}

	var env struct {
		Cmd  string         `json:"cmd"`
		Data AddBlogPayload `json:"data"`
	}
	if err := json.Unmarshal([]byte(gotEnvelope), &env); err != nil {
		t.Fatalf("envelope is not json: %v", err)
	}
	want := AddBlogPayload{
		SiteURL:     site.SiteURL,
		FeedURL:     site.FeedURL,
		CommentsURL: site.CommentsURL,
		BlogName:    "My Blog & Co",
		Success:     true,
		GroupID:     "3",
	}
	if env.Cmd != CmdAddBlog {
		t.Errorf("cmd = %q", env.Cmd)
	}
	if diff := cmp.Diff(want, env.Data); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestCallRemote_InvalidContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"html", "text/html", `<html>{"info":{"name":"x"}}</html>`},
		{"plain json text", "text/plain", `{"info":{"name":"x"},"members":[]}`},
		{"missing", "", `{"errors":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header()["Content-Type"] = []string{tt.contentType}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			rec, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "a", "1")
			if rec != nil {
				t.Errorf("expected no record, got %+v", rec)
			}
			re, ok := AsError(err)
			if !ok {
				t.Fatalf("expected *Error, got %v", err)
			}
			if re.Kind != KindInvalidContentType {
				t.Errorf("kind = %s, want invalid_content_type", re.Kind)
			}
			if string(re.RawBody) != tt.body {
				t.Errorf("raw body = %q, want %q", re.RawBody, tt.body)
			}
		})
	}
}

func TestCallRemote_ServerRejected(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus int
		body       string
		wantMsg    string
		wantStatus int
		wantData   string
	}{
		{
			name:       "string",
			httpStatus: http.StatusOK,
			body:       `{"errors":"group not found"}`,
			wantMsg:    "group not found",
		},
		{
			name:       "object with status in data",
			httpStatus: http.StatusOK,
			body:       `{"errors":{"message":"admin is not a member","data":{"status":403}}}`,
			wantMsg:    "admin is not a member",
			wantStatus: StatusNotMember,
			wantData:   `{"status":403}`,
		},
		{
			name:       "object without message",
			httpStatus: http.StatusOK,
			body:       `{"errors":{"code":"bad"}}`,
			wantMsg:    `{"code":"bad"}`,
		},
		{
			name:       "status from http",
			httpStatus: http.StatusNotFound,
			body:       `{"errors":"group deleted"}`,
			wantMsg:    "group deleted",
			wantStatus: StatusGroupNotFound,
		},
		{
			name:       "unknown http status ignored",
			httpStatus: http.StatusInternalServerError,
			body:       `{"errors":"boom"}`,
			wantMsg:    "boom",
		},
		{
			name:       "payload status wins",
			httpStatus: http.StatusNotFound,
			body:       `{"errors":{"message":"invalid request","data":{"status":"406"}}}`,
			wantMsg:    "invalid request",
			wantStatus: StatusInvalidRequest,
			wantData:   `{"status":"406"}`,
		},
		{
			name:       "bare message",
			httpStatus: http.StatusOK,
			body:       `{"message":"no json provided"}`,
			wantMsg:    "no json provided",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.httpStatus)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "a", "1")
			if !IsRejected(err) {
				t.Fatalf("expected rejection, got %v", err)
			}
			re, _ := AsError(err)
			if re.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", re.Message, tt.wantMsg)
			}
			if re.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", re.Status, tt.wantStatus)
			}
			if string(re.Data) != tt.wantData {
				t.Errorf("data = %s, want %s", re.Data, tt.wantData)
			}
			if Message(err) != tt.wantMsg {
				t.Errorf("Message() = %q, want server text", Message(err))
			}
		})
	}
}

func TestCallRemote_FalsyErrorsIsSuccess(t *testing.T) {
	for _, errs := range []string{`null`, `false`, `0`, `""`, `"0"`, `[]`} {
		t.Run(errs, func(t *testing.T) {
			server := httptest.NewServer(jsonHandler(`{"errors":` + errs + `,"info":{"name":"G"},"members":[]}`))
			defer server.Close()

			rec, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "a", "1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Info.Name != "G" {
				t.Errorf("name = %q", rec.Info.Name)
			}
		})
	}
}

func TestCallRemote_HTTPStatusIgnoredForJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"info":{"name":"G"},"members":[]}`))
	}))
	defer server.Close()

	rec, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "a", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Info.Name != "G" {
		t.Errorf("name = %q", rec.Info.Name)
	}
}

func TestCallRemote_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"info":`},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"missing info", `{"members":[]}`},
		{"info not object", `{"info":"Team"}`},
		{"missing name", `{"info":{"url":"http://x"}}`},
		{"members not list", `{"info":{"name":"G"},"members":{"a":1}}`},
		{"member without login", `{"info":{"name":"G"},"members":[{"profile_url":"http://x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(jsonHandler(tt.body))
			defer server.Close()

			rec, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "a", "1")
			if rec != nil {
				t.Errorf("expected no record, got %+v", rec)
			}
			re, ok := AsError(err)
			if !ok || re.Kind != KindMalformedResponse {
				t.Fatalf("expected malformed response, got %v", err)
			}
		})
	}
}

func TestCallRemote_ConnectionRefused(t *testing.T) {
	before := testutil.ToFloat64(metrics.RemoteRequestsTotal.WithLabelValues(CmdGetGroup, "transport"))

	c := newTestClient(t, ModeSuffix)
	_, err := c.GetGroup(context.Background(), "http://127.0.0.1:1", "a", "1") // port 1 should refuse connections
	re, ok := AsError(err)
	if !ok || re.Kind != KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if re.Err == nil {
		t.Error("transport error should wrap the cause")
	}

	after := testutil.ToFloat64(metrics.RemoteRequestsTotal.WithLabelValues(CmdGetGroup, "transport"))
	if after != before+1 {
		t.Errorf("transport counter = %v, want %v", after, before+1)
	}
}

func TestCallRemote_SelfSignedTLS(t *testing.T) {
	server := httptest.NewTLSServer(jsonHandler(`{"info":{"name":"Secure"},"members":[]}`))
	defer server.Close()

	rec, err := newTestClient(t, ModeSuffix).GetGroup(context.Background(), server.URL, "a", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Info.Name != "Secure" {
		t.Errorf("name = %q", rec.Info.Name)
	}

	strict := NewClient(Options{Endpoint: "/rwgroupinfo", Mode: ModeSuffix}, zaptest.NewLogger(t))
	_, err = strict.GetGroup(context.Background(), server.URL, "a", "1")
	if re, ok := AsError(err); !ok || re.Kind != KindTransport {
		t.Fatalf("expected transport error with verification on, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		mode EndpointMode
		base string
		want string
	}{
		{"legacy plain", ModeLegacy, "http://example.org", "http://example.org/rwgroupinfo"},
		{"legacy duplicates suffix", ModeLegacy, "http://example.org/rwgroupinfo", "http://example.org/rwgroupinfo/rwgroupinfo"},
		{"legacy trailing slash kept", ModeLegacy, "http://lernlog.de/rw_groupinfo/", "http://lernlog.de/rw_groupinfo//rwgroupinfo"},
		{"legacy contained past start", ModeLegacy, "groupinfo", "groupinfo"},
		{"legacy contained at start", ModeLegacy, "/rw", "/rw/rwgroupinfo"},
		{"suffix plain", ModeSuffix, "http://example.org", "http://example.org/rwgroupinfo"},
		{"suffix present", ModeSuffix, "http://example.org/rwgroupinfo", "http://example.org/rwgroupinfo"},
		{"suffix present with slash", ModeSuffix, "http://example.org/rwgroupinfo/", "http://example.org/rwgroupinfo"},
		{"suffix trailing slash", ModeSuffix, "http://example.org/", "http://example.org/rwgroupinfo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalize(tt.mode, "/rwgroupinfo", tt.base); got != tt.want {
				t.Errorf("normalize(%s, %q) = %q, want %q", tt.mode, tt.base, got, tt.want)
			}
		})
	}
}

func TestClientURL(t *testing.T) {
	c := newTestClient(t, ModeLegacy)
	got, err := c.URL("http://example.org/rwgroupinfo", CmdGetGroup, getGroupPayload{Admin: "alice", GroupID: "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "http://example.org/rwgroupinfo/rwgroupinfo/" +
		"%7B%22cmd%22%3A%22get_group%22%2C%22data%22%3A%7B%22admin%22%3A%22alice%22%2C%22group_id%22%3A%223%22%7D%7D"
	if got != want {
		t.Errorf("URL() =\n%s\nwant\n%s", got, want)
	}
}

func TestRawURLEncode(t *testing.T) {
	tests := map[string]string{
		"abcXYZ019-_.~": "abcXYZ019-_.~",
		"a b":           "a%20b",
		"a+b/c:d@e":     "a%2Bb%2Fc%3Ad%40e",
		"ü":             "%C3%BC",
	}
	for in, want := range tests {
		if got := rawURLEncode(in); got != want {
			t.Errorf("rawURLEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseEndpointMode(t *testing.T) {
	if m, err := ParseEndpointMode(""); err != nil || m != ModeLegacy {
		t.Errorf("empty mode = %q, %v", m, err)
	}
	if m, err := ParseEndpointMode("suffix"); err != nil || m != ModeSuffix {
		t.Errorf("suffix mode = %q, %v", m, err)
	}
	if _, err := ParseEndpointMode("other"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
