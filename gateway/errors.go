package gateway

import (
	"encoding/json"
	"net/http"
)

// AuthError reports a failed service-account login against the target system.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "target login failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// IdentityError reports a failed user or team lookup during identity resolution.
type IdentityError struct {
	Reason string
	Err    error
}

func (e *IdentityError) Error() string {
	msg := "identity resolution failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IdentityError) Unwrap() error { return e.Err }

// ForwardError reports a failure to reach the target system before a
// response has started streaming.
type ForwardError struct {
	Reason string
	Err    error
}

func (e *ForwardError) Error() string {
	msg := "forwarding failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ForwardError) Unwrap() error { return e.Err }

// RelayError reports a WebSocket dial or mid-session failure.
type RelayError struct {
	Reason string
	Err    error
}

func (e *RelayError) Error() string {
	msg := "relay failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RelayError) Unwrap() error { return e.Err }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the structured error payload callers always receive in
// place of a dropped connection or a bare status line.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
