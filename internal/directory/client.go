// Package directory fetches user records from the remote login server that
// owns the accounts of group members.
package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

// CmdUserData is the command that asks for a single user's record.
const CmdUserData = "user_get_data"

// Caller sends an envelope command to a url. remote.Client implements it.
type Caller interface {
	Get(ctx context.Context, url, command string, payload any) (json.RawMessage, error)
}

// Client reads user data from the login server.
type Client struct {
	caller Caller
	url    string
	logger *zap.Logger
}

// NewClient returns a directory client for the login server at url.
func NewClient(caller Caller, url string, logger *zap.Logger) *Client {
	return &Client{
		caller: caller,
		url:    url,
		logger: logger.Named("directory"),
	}
}

// Error is an error reported by the login server itself.
type Error struct {
	Login   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("login server error for %s: %s", e.Login, e.Message)
}

type userDataPayload struct {
	UserLogin string `json:"user_login"`
}

type wireUserData struct {
	model.RemoteUserData
	Error json.RawMessage `json:"error"`
}

// FetchUserData returns the login server's record for login. A user the
// server does not know is returned with Exists false and no error.
func (c *Client) FetchUserData(ctx context.Context, login string) (*model.RemoteUserData, error) {
	raw, err := c.caller.Get(ctx, c.url, CmdUserData, userDataPayload{UserLogin: login})
	if err != nil {
		return nil, fmt.Errorf("fetch user data for %s: %w", login, err)
	}

	var w wireUserData
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode user data for %s: %w", login, err)
	}

	if msg, ok := errorMessage(w.Error); ok {
		c.logger.Info("login server reported an error",
			zap.String("login", login),
			zap.String("message", msg),
		)
		return nil, &Error{Login: login, Message: msg}
	}

	data := w.RemoteUserData
	return &data, nil
}

// errorMessage returns the text of an error member. null, false and ""
// mean no error.
func errorMessage(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case nil:
		return "", false
	case bool:
		if !t {
			return "", false
		}
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	}
	return string(raw), true
}
