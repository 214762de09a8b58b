// Package token encodes and decodes the opaque group codes handed out by a
// group host. A code is the base64 form of {"group_id": ..., "url": ...}.
package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is matched by every decode failure.
var ErrMalformed = errors.New("malformed group token")

// MalformedError describes why a token could not be decoded.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed group token: %s: %v", e.Reason, e.Err)
	}
	return "malformed group token: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Is reports ErrMalformed as a match.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// Reference is the decoded content of a group token.
type Reference struct {
	GroupID string `json:"group_id"`
	URL     string `json:"url"`
}

type wireReference struct {
	GroupID json.RawMessage `json:"group_id"`
	URL     *string         `json:"url"`
}

// Encode serializes a group reference into a token.
func Encode(groupID, url string) string {
	raw, _ := json.Marshal(Reference{GroupID: groupID, URL: url})
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode parses a token. Surrounding whitespace is ignored; unpadded base64
// is accepted.
func Decode(tok string) (Reference, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Reference{}, &MalformedError{Reason: "empty token"}
	}

	raw, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		var rawErr error
		if raw, rawErr = base64.RawStdEncoding.DecodeString(tok); rawErr != nil {
			return Reference{}, &MalformedError{Reason: "invalid base64", Err: err}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var w wireReference
	if err := dec.Decode(&w); err != nil {
		return Reference{}, &MalformedError{Reason: "invalid json", Err: err}
	}
	if dec.More() {
		return Reference{}, &MalformedError{Reason: "trailing data after json object"}
	}

	groupID, err := groupIDString(w.GroupID)
	if err != nil {
		return Reference{}, &MalformedError{Reason: "invalid group_id", Err: err}
	}
	if w.URL == nil || *w.URL == "" {
		return Reference{}, &MalformedError{Reason: "missing url"}
	}

	return Reference{GroupID: groupID, URL: *w.URL}, nil
}

// groupIDString accepts a JSON string or integer and returns its string form.
func groupIDString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("missing")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("empty")
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("must be a string or number: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return "", fmt.Errorf("must be an integer: %w", err)
	}
	return n.String(), nil
}
