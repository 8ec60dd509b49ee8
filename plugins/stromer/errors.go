package stromer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joshp123/stromer/internal/oauth"
)

var ErrNoBikes = errors.New("no bikes found on this account")

// APIError is a non-2xx response from the vendor data API.
type APIError struct {
	Method   string
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stromer api %s %s: %d %s", e.Method, e.Endpoint, e.Status, e.Message)
}

func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// FetchError wraps the failure of one sub-fetch of a poll cycle.
type FetchError struct {
	Endpoint string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// CommandError is returned when a write call to the bike fails.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	switch e.Command {
	case "light":
		return "failed to control bike light"
	case "lock":
		return "failed to control bike lock"
	case "reset_trip":
		return "failed to reset trip distance"
	default:
		return fmt.Sprintf("failed to run %s", e.Command)
	}
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether err means the session's credentials are no
// longer accepted, so retrying without re-authentication is pointless.
// Typed errors decide by status or kind; only untyped leaf errors are matched
// by text, so endpoint paths in wrapping messages never count.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, oauth.ErrNotAuthenticated) {
		return true
	}
	return authLeaf(err)
}

func authLeaf(err error) bool {
	switch e := err.(type) {
	case *APIError:
		return e.Unauthorized()
	case *oauth.AuthError:
		return e.Rejected()
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if inner != nil && authLeaf(inner) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		if inner := e.Unwrap(); inner != nil {
			return authLeaf(inner)
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "authentication") || strings.Contains(msg, "credentials")
}
