// Package errs provides the structured error envelope and classification used across livequery.
package errs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a remote-store error category as reported at the adapter boundary.
type Code string

const (
	// CodeUnavailable indicates the remote store is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnauthenticated indicates missing or invalid credentials.
	CodeUnauthenticated Code = "unauthenticated"
	// CodePermissionDenied indicates the caller may not read the collection.
	CodePermissionDenied Code = "permission_denied"
	// CodeNotFound indicates that nothing matched the request.
	CodeNotFound Code = "not_found"
	// CodeCancelled indicates the operation was cancelled by the platform.
	CodeCancelled Code = "cancelled"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// Class is the closed classification every error is reduced to before retry decisions.
type Class int

const (
	// ClassNone marks the absence of a failure.
	ClassNone Class = iota
	// ClassTransient failures are eligible for retry with backoff.
	ClassTransient
	// ClassPermanent failures are never retried automatically.
	ClassPermanent
	// ClassNotFound is treated by callers as a successful empty result.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Class maps the code onto the retry taxonomy. Unrecognised codes are treated as transient.
func (c Code) Class() Class {
	switch c {
	case CodeUnauthenticated, CodePermissionDenied:
		return ClassPermanent
	case CodeNotFound:
		return ClassNotFound
	default:
		return ClassTransient
	}
}

// E captures structured error information produced by remote-store adapters.
type E struct {
	Store      string
	Code       Code
	HTTP       int
	Message    string
	Collection string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the store and error code.
func New(store string, code Code, opts ...Option) *E {
	if strings.TrimSpace(string(code)) == "" {
		code = CodeUnknown
	}
	e := &E{
		Store:      strings.TrimSpace(store),
		Code:       code,
		HTTP:       0,
		Message:    "",
		Collection: "",
		cause:      nil,
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

// WithCollection records the collection the failing request targeted.
func WithCollection(collection string) Option {
	trimmed := strings.TrimSpace(collection)
	return func(e *E) {
		e.Collection = trimmed
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

	store := e.Store
	if store == "" {
		store = "unknown"
	}
	parts = append(parts, "store="+store)
	parts = append(parts, "code="+string(e.Code))

	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Class returns the retry classification for the envelope.
func (e *E) Class() Class {
	if e == nil {
		return ClassNone
	}
	return e.Code.Class()
}

// Signature is the stable identity used to de-duplicate repeated notifications.
func (e *E) Signature() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ":" + e.Message
}

// Summary renders the envelope as a short user-facing string.
func (e *E) Summary() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return strings.ReplaceAll(string(e.Code), "_", " ")
}

// From returns err as an envelope, classifying foreign errors on the way.
func From(store string, err error) *E {
	if err == nil {
		return nil
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope
	}
	return New(store, codeOf(err), WithMessage(err.Error()), WithCause(err))
}

// Classify reduces any error to its retry classification.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Class()
	}
	return codeOf(err).Class()
}

// Signature returns the de-duplication signature of any error.
func Signature(err error) string {
	if err == nil {
		return ""
	}
	return From("", err).Signature()
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// FromHTTPStatus maps an HTTP status code onto the error taxonomy.
func FromHTTPStatus(store string, status int, message string, opts ...Option) *E {
	code := CodeUnknown
	switch {
	case status == http.StatusUnauthorized:
		code = CodeUnauthenticated
	case status == http.StatusForbidden:
		code = CodePermissionDenied
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = CodeInvalid
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		code = CodeUnavailable
	case status == 499:
		code = CodeCancelled
	case status >= 500:
		code = CodeUnavailable
	}
	all := append([]Option{WithHTTP(status), WithMessage(message)}, opts...)
	return New(store, code, all...)
}

// HTTPStatus returns the HTTP status a server should answer with for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeCancelled:
		return 499
	case CodeUnavailable, CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ParseCode converts a wire code into a Code, defaulting to unknown.
func ParseCode(raw string) Code {
	code := Code(strings.ToLower(strings.TrimSpace(raw)))
	switch code {
	case CodeUnavailable, CodeNetwork, CodeUnauthenticated, CodePermissionDenied,
		CodeNotFound, CodeCancelled, CodeInvalid:
		return code
	default:
		return CodeUnknown
	}
}

// FromWire rebuilds an envelope from a code and message received over the wire.
func FromWire(store, code, message string, opts ...Option) *E {
	all := append([]Option{WithMessage(message)}, opts...)
	return New(store, ParseCode(code), all...)
}
