// Package remote talks to group hosts. Every command is an HTTP GET whose
// last path segment is a percent-encoded JSON envelope {"cmd": ..., "data": ...}.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
)

const maxBodyBytes = 4 << 20 // 4 MB

// Options configures a Client.
type Options struct {
	// Endpoint is the well-known sub-path of a group host, e.g. "/rwgroupinfo".
	Endpoint string
	Mode     EndpointMode
	// InsecureSkipVerify disables TLS certificate verification. Group hosts
	// in this ecosystem commonly run with self-signed certificates.
	InsecureSkipVerify bool
	// Timeout bounds a whole call. Zero leaves only the transport defaults.
	Timeout time.Duration
}

// Client sends envelope commands to group hosts and classifies the answers.
type Client struct {
	httpClient *http.Client
	endpoint   string
	mode       EndpointMode
	logger     *zap.Logger
}

// NewClient creates a Client with a pooled transport.
func NewClient(opts Options, logger *zap.Logger) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Closed ecosystem of cooperating hosts; configurable
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeLegacy
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		endpoint: opts.Endpoint,
		mode:     mode,
		logger:   logger.Named("remote"),
	}
}

// envelope is the request wrapper understood by group hosts.
type envelope struct {
	Cmd  string `json:"cmd"`
	Data any    `json:"data"`
}

// URL returns the full request url for a command without sending it.
func (c *Client) URL(baseURL, command string, payload any) (string, error) {
	return buildURL(normalize(c.mode, c.endpoint, baseURL), command, payload)
}

// CallRemote sends a command to the group host at baseURL. The endpoint is
// appended to baseURL according to the configured mode. On success the
// decoded JSON object is returned unchanged.
func (c *Client) CallRemote(ctx context.Context, baseURL, command string, payload any) (json.RawMessage, error) {
	return c.Get(ctx, normalize(c.mode, c.endpoint, baseURL), command, payload)
}

// Get sends a command to url as is.
func (c *Client) Get(ctx context.Context, url, command string, payload any) (json.RawMessage, error) {
	start := time.Now()
	body, err := c.get(ctx, url, command, payload)
	metrics.RemoteRequestDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if re, ok := AsError(err); ok {
			outcome = re.Kind.String()
		}
		metrics.RemoteRequestsTotal.WithLabelValues(command, outcome).Inc()
		return nil, err
	}

	metrics.RemoteRequestsTotal.WithLabelValues(command, "success").Inc()
	return body, nil
}

func (c *Client) get(ctx context.Context, url, command string, payload any) (json.RawMessage, error) {
	reqURL, err := buildURL(url, command, payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Command: command, Message: "invalid request url", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("sending remote command",
		zap.String("command", command),
		zap.String("url", url),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Command: command, Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Command: command, Message: "reading response", Err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		c.logger.Warn("group host answered without json",
			zap.String("command", command),
			zap.String("url", reqURL),
			zap.String("content_type", contentType),
			zap.Int("http_status", resp.StatusCode),
			zap.ByteString("body", truncate(raw, 512)),
		)
		return nil, &Error{
			Kind:    KindInvalidContentType,
			Command: command,
			Message: fmt.Sprintf("no valid server response, content type %q", contentType),
			RawBody: raw,
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("null body")
		}
		return nil, &Error{Kind: KindMalformedResponse, Command: command, Message: "cannot decode response", Err: err}
	}

	if errs, ok := fields["errors"]; ok && truthy(errs) {
		rej := rejectionFrom(command, resp.StatusCode, errs)
		c.logger.Info("group host rejected command",
			zap.String("command", command),
			zap.String("message", rej.Message),
			zap.Int("status", rej.Status),
		)
		return nil, rej
	}

	return raw, nil
}

func buildURL(url, command string, payload any) (string, error) {
	data, err := json.Marshal(envelope{Cmd: command, Data: payload})
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", command, err)
	}
	return url + "/" + rawURLEncode(string(data)), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
