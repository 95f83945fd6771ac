// Package errs provides structured error types shared across the Custos sync engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a provider-integration error category. The reconciler
// branches on the code, never on message text.
type Code string

const (
	// CodeAuth indicates a bad or expired credential; fatal to a sync cycle.
	CodeAuth Code = "auth_failure"
	// CodeRateLimited indicates that the provider throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeUnreachable indicates a network or transport failure; retryable.
	CodeUnreachable Code = "unreachable"
	// CodeMalformed indicates an unexpected response shape from the provider.
	CodeMalformed Code = "malformed_response"
	// CodeNotSupported indicates a provider absent from the adapter registry.
	CodeNotSupported Code = "not_supported"
	// CodeTimeout indicates a correlation wait that exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input supplied by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent operation conflict, such as a sync
	// already in flight for the account.
	CodeConflict Code = "conflict"
	// CodeInternal captures failures local to this service.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the sync engine.
type E struct {
	Provider string
	Code     Code
	HTTP     int
	Field    string
	RawCode  string
	RawMsg   string
	Message  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the provider and error code.
func New(provider string, code Code, opts ...Option) *E {
	e := &E{
		Provider: strings.TrimSpace(provider),
		Code:     code,
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

// WithField names the payload field whose normalization failed.
func WithField(field string) Option {
	trimmed := strings.TrimSpace(field)
	return func(e *E) {
		e.Field = trimmed
	}
}

// WithRawCode captures the raw provider error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw provider error message.
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

	provider := strings.TrimSpace(e.Provider)
	if provider == "" {
		provider = "unknown"
	}
	parts = append(parts, "provider="+provider)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
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

// CodeOf extracts the error code from err, unwrapping as needed.
// Errors that do not carry an envelope report CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsE returns the envelope carried by err, wrapping plain errors into a
// CodeInternal envelope so callers always receive structured information.
func AsE(provider string, err error) *E {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e
	}
	return New(provider, CodeInternal, WithCause(err))
}

// NotSupported returns a standardized error for unknown providers.
func NotSupported(provider string) *E {
	return New(provider, CodeNotSupported, WithMessage("provider not registered"))
}
