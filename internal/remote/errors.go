package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failed remote call.
type Kind int

const (
	// KindTransport means the request could not be completed.
	KindTransport Kind = iota + 1
	// KindInvalidContentType means the host answered with something other than JSON.
	KindInvalidContentType
	// KindServerRejected means the host answered with an errors member.
	KindServerRejected
	// KindMalformedResponse means the JSON answer had an unexpected shape.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindInvalidContentType:
		return "invalid_content_type"
	case KindServerRejected:
		return "server_rejected"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Status codes a group host reports with a rejection.
const (
	StatusNotMember      = 403 // the requesting admin is not a member of the group
	StatusGroupNotFound  = 404 // the group does not exist or was deleted
	StatusNoJSON         = 405 // the request carried no JSON envelope
	StatusInvalidRequest = 406 // the envelope was not understood
)

func knownStatus(code int) bool {
	switch code {
	case StatusNotMember, StatusGroupNotFound, StatusNoJSON, StatusInvalidRequest:
		return true
	}
	return false
}

// Error is returned by every failed remote call.
type Error struct {
	Kind    Kind
	Command string
	// Message is human readable. For rejections it is the host's own text.
	Message string
	// Status is the host-reported rejection status, 0 when unknown.
	Status int
	// Data is the errors.data member of a rejection, if any.
	Data json.RawMessage
	// RawBody is the response body of an InvalidContentType failure.
	RawBody []byte
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s: %s: %s", e.Command, e.Kind, e.Message)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsRejected reports whether err is a rejection by the remote host.
func IsRejected(err error) bool {
	re, ok := AsError(err)
	return ok && re.Kind == KindServerRejected
}

// rejectionFrom builds a ServerRejected error from the errors member of a
// response. httpStatus is used only when the payload carries no status.
func rejectionFrom(command string, httpStatus int, raw json.RawMessage) *Error {
	e := &Error{Kind: KindServerRejected, Command: command, Message: string(raw)}

	var v any
	_ = json.Unmarshal(raw, &v)

	switch t := v.(type) {
	case string:
		e.Message = t
	case map[string]any:
		var obj struct {
			Message json.RawMessage `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			var msg string
			if json.Unmarshal(obj.Message, &msg) == nil && msg != "" {
				e.Message = msg
			}
			if len(obj.Data) > 0 && string(obj.Data) != "null" {
				e.Data = obj.Data
				e.Status = statusFromData(obj.Data)
			}
		}
	}

	if e.Status == 0 && knownStatus(httpStatus) {
		e.Status = httpStatus
	}
	return e
}

func statusFromData(data json.RawMessage) int {
	var d struct {
		Status json.Number `json:"status"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return 0
	}
	n, err := d.Status.Int64()
	if err != nil {
		return 0
	}
	return int(n)
}

// truthy evaluates a JSON value the way the group host protocol does:
// null, false, 0, "", "0" and [] are false; everything else is true.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0"
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
