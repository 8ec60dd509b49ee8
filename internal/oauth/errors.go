package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// AuthErrorKind classifies a failed login or refresh by HTTP status.
type AuthErrorKind int

const (
	AuthUnknown AuthErrorKind = iota
	AuthInvalidCredentials
	AuthForbidden
	AuthRateLimited
	AuthMalformed
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthInvalidCredentials:
		return "invalid_credentials"
	case AuthForbidden:
		return "forbidden"
	case AuthRateLimited:
		return "rate_limited"
	case AuthMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

func kindForStatus(status int) AuthErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return AuthInvalidCredentials
	case http.StatusForbidden:
		return AuthForbidden
	case http.StatusTooManyRequests:
		return AuthRateLimited
	case http.StatusBadRequest:
		return AuthMalformed
	default:
		return AuthUnknown
	}
}

// AuthError is returned by Login and Refresh. Step is "login", "token" or "refresh".
type AuthError struct {
	Kind    AuthErrorKind
	Step    string
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s failed: %s", e.Step, msg)
	}
	return fmt.Sprintf("%s failed (%d %s): %s", e.Step, e.Status, e.Kind, msg)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the vendor refused the credentials themselves,
// as opposed to a transient or malformed-request failure.
func (e *AuthError) Rejected() bool {
	return e.Kind == AuthInvalidCredentials || e.Kind == AuthForbidden
}

// Hint is a human readable next step for the CLI.
func (e *AuthError) Hint() string {
	switch {
	case e.Kind == AuthInvalidCredentials && e.Step == "login":
		return "wrong username or password"
	case e.Kind == AuthForbidden && e.Step == "login":
		return "check the password, whether the account is locked, and that the client id is current"
	case e.Rejected():
		return "the client id may have expired or been rotated; capture a fresh one from the mobile app"
	case e.Kind == AuthRateLimited:
		return "too many attempts; wait a few minutes"
	case e.Kind == AuthMalformed:
		return "request rejected; this can indicate an api generation mismatch"
	default:
		return ""
	}
}

func newAuthError(step string, status int, body []byte) *AuthError {
	return &AuthError{
		Kind:    kindForStatus(status),
		Step:    step,
		Status:  status,
		Message: vendorMessage(status, body),
	}
}

func vendorMessage(status int, body []byte) string {
	var payload struct {
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
		Message          string `json:"message"`
		Detail           string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, candidate := range []string{payload.ErrorDescription, payload.Error, payload.Message, payload.Detail} {
			if candidate != "" {
				return candidate
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}
