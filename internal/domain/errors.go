package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors returned by use cases and adapters.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrDuplicateTool     = errors.New("tool already registered")
	ErrServerNotFound    = errors.New("server not found")
	ErrAlreadyRegistered = errors.New("server already registered")
	ErrSecretNotFound    = errors.New("secret not found")
	ErrSecretPermission  = errors.New("secret belongs to another owner")
	ErrDispatcherClosed  = errors.New("dispatcher closed")
	ErrMethodNotFound    = errors.New("method not found")
	ErrServerInactive    = errors.New("server is inactive")
	ErrShuttingDown      = errors.New("registry is shutting down")
	ErrRequestNotFound   = errors.New("no pending request with this id")
	ErrNotRunning        = errors.New("server is not running")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// CompileError reports a schema that cannot be compiled into a tool.
type CompileError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("compile")
	if e.Tool != "" {
		fmt.Fprintf(&b, " tool %q", e.Tool)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// FieldIssue is one argument that failed validation.
type FieldIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports arguments that fail a compiled tool's constraints.
type ValidationError struct {
	Tool   string
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Path+": "+issue.Message)
	}
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, strings.Join(parts, "; "))
}

// ExecutionErrorKind classifies failures of an outbound tool call.
type ExecutionErrorKind string

const (
	ExecTimeout    ExecutionErrorKind = "timeout"
	ExecTransport  ExecutionErrorKind = "transport"
	ExecStatus     ExecutionErrorKind = "status"
	ExecUnexpected ExecutionErrorKind = "unexpected"
)

// ExecutionError reports a failed outbound call.
type ExecutionError struct {
	Kind       ExecutionErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case ExecStatus:
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	case ExecTimeout:
		return fmt.Sprintf("request timed out: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("request execution failed: %v", e.Err)
		}
		return "request execution failed"
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RegistrationError reports a registry or secret resolution failure.
// Err is one of the sentinel errors of this package.
type RegistrationError struct {
	ID  string
	Key string
	Err error
}

func (e *RegistrationError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("secret %q: %v", e.Key, e.Err)
	case e.ID != "":
		return fmt.Sprintf("server %q: %v", e.ID, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// DecryptionError reports corrupt or foreign ciphertext.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// ListingError reports that the backing server's tool listing failed.
// It accompanies the local tools that could still be listed.
type ListingError struct {
	ServerID string
	Err      error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list remote tools of %q: %v", e.ServerID, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }
