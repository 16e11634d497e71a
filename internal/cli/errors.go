package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tOgg1/coursechat/internal/session"
	"github.com/tOgg1/coursechat/internal/transport"
)

// Exit codes.
const (
	exitFailure = 1
	exitUsage   = 2
	exitBackend = 3
)

// ExitError carries a process exit code. Printed means the message has
// already been written to the user.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf builds an ExitError from a format string.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// PreflightError explains why a command cannot start and what to do instead.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
}

func (e *PreflightError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(e.Hint)
	}
	if e.NextStep != "" {
		b.WriteString("\n  try:  ")
		b.WriteString(e.NextStep)
	}
	return b.String()
}

// backendError maps a transport failure to a user-facing exit error.
func backendError(action string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return &ExitError{Code: exitBackend, Err: &PreflightError{
			Message:  fmt.Sprintf("%s: session rejected by the server", action),
			Hint:     "the token is expired or signed for another backend",
			NextStep: "coursechat --token <token> " + action,
		}}
	}
	return &ExitError{Code: exitBackend, Err: fmt.Errorf("%s: %s", action, transport.UserMessage(err))}
}

func sessionError(err error) error {
	if errors.Is(err, session.ErrNoToken) {
		return &ExitError{Code: exitUsage, Err: &PreflightError{
			Message:  "no session token configured",
			Hint:     "set COURSECHAT_SESSION_TOKEN, session.token in the config file, or pass --token",
			NextStep: "coursechat dev-server",
		}}
	}
	return &ExitError{Code: exitUsage, Err: err}
}
