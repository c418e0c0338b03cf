// Package errs provides structured error types and helpers for Axiom services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the ingestion core.
type Code string

const (
	// CodeNetwork indicates a transient transport failure (resets, timeouts, closed sockets).
	CodeNetwork Code = "network"
	// CodeAuth indicates a token exchange or refresh failure.
	CodeAuth Code = "auth"
	// CodeDecode indicates an unexpected frame shape or missing protocol key.
	CodeDecode Code = "decode"
	// CodeValidation indicates a row that fails persistence invariants.
	CodeValidation Code = "validation"
	// CodeStorage indicates a database or DDL failure.
	CodeStorage Code = "storage"
	// CodeConfig indicates missing required configuration or a corrupt secret.
	CodeConfig Code = "config"
	// CodeRateLimited indicates that an upstream request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// ErrConnectionClosed marks a streaming read that ended because the peer
// closed the socket. The supervisor treats it as a reconnect signal rather
// than a consecutive-error increment.
var ErrConnectionClosed = errors.New("stream connection closed")

// E captures structured error information produced across the Axiom stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string
	RawMsg    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw upstream error body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		var envelope *E
		if !errors.As(err, &envelope) {
			return false
		}
		if envelope.Code == code {
			return true
		}
		err = envelope.cause
	}
	return false
}

// IsConnectionClosed reports whether err represents a peer-initiated socket close.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}
