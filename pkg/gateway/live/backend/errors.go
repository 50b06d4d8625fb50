package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("backend link closed")

// HandshakeError reports a failure to establish a backend session: the dial
// failed, the setup could not be written, or the acknowledgement was absent or
// malformed.
type HandshakeError struct {
	Stage      string // dial, setup, ack
	StatusCode int    // HTTP status of a rejected dial, if any
	Reason     string // response body or close reason, truncated
	Err        error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "backend handshake failed at %s", e.Stage)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *HandshakeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LinkError is a transport failure after the handshake. It is session-fatal.
type LinkError struct {
	Op  string // read, write
	Err error
}

func (e *LinkError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("backend link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DecodeError marks a backend message that was skipped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("decode backend message: %s: %v", e.Reason, e.Err)
	}
	return "decode backend message: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var quotaMarkers = []string{
	"quota",
	"resource_exhausted",
	"resource exhausted",
	"rate limit",
	"ratelimit",
	"too many requests",
	"api key not valid",
	"api_key_invalid",
	"permission_denied",
}

// IsQuotaError reports whether err shows the backend rejected the credential
// itself (quota, rate limit, invalid or revoked key) rather than a generic
// transport failure. Only these errors should take a credential out of the
// pool.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var he *HandshakeError
	if errors.As(err, &he) && he != nil {
		switch he.StatusCode {
		case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce != nil && ce.Code == websocket.ClosePolicyViolation {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
