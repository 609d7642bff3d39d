package plume

import (
	"errors"
	"fmt"
	"net/http"
)

// Registry and dispatch errors
var (
	ErrServiceNotFound    = errors.New("service not found")
	ErrServiceNil         = errors.New("service is nil")
	ErrServiceInvalid     = errors.New("service implements no capability methods")
	ErrMethodNotSupported = errors.New("service does not support method")
	ErrMethodUnknown      = errors.New("unknown service method")
	ErrRequestNil         = errors.New("request is nil")
)

// Application lifecycle errors
var (
	ErrAppAlreadyListening = errors.New("application is already listening")
	ErrAppClosed           = errors.New("application is closed")
	ErrMountNilApp         = errors.New("cannot mount nil application")
	ErrMountSelf           = errors.New("cannot mount application into itself")
	ErrMountWithMiddleware = errors.New("cannot combine middleware with a mounted application")
	ErrConfiguratorNil     = errors.New("configurator is nil")
)

// Config errors
var (
	ErrConfigSectionNotFound = errors.New("config section not found")
	ErrConfigProviderNil     = errors.New("config provider is nil")
	ErrConfigNotPointer      = errors.New("config must be a non-nil pointer to a struct")
	ErrConfigDefaultInvalid  = errors.New("cannot parse default value")
)

// Observer errors
var (
	ErrObserverNil         = errors.New("observer is nil")
	ErrObserverNotFound    = errors.New("observer not registered")
	ErrInvalidCloudEvent   = errors.New("invalid cloud event")
	ErrEventValidationFail = errors.New("event validation failed")
)

// Error is the wire-facing form of a failed service call. Bridges serialize
// it as {name, message, code, data} and use Code as the transport status.
// Errors produced inside services pass through unchanged; everything else is
// converted at the dispatch boundary.
type Error struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Unwrap exposes the underlying cause, if any, to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithData returns a copy of the error carrying additional detail for the
// wire representation.
func (e *Error) WithData(data any) *Error {
	dup := *e
	dup.Data = data
	return &dup
}

func newError(code int, name, message string) *Error {
	return &Error{Code: code, Name: name, Message: message}
}

// NewBadRequest signals a request the service cannot act on (status 400).
func NewBadRequest(message string) *Error {
	return newError(http.StatusBadRequest, "BadRequest", message)
}

// NewNotFound signals a missing entity or service (status 404).
func NewNotFound(message string) *Error {
	return newError(http.StatusNotFound, "NotFound", message)
}

// NewMethodNotAllowed signals a capability the service does not implement
// (status 405).
func NewMethodNotAllowed(message string) *Error {
	return newError(http.StatusMethodNotAllowed, "MethodNotAllowed", message)
}

// NewConflict signals a uniqueness or versioning collision (status 409).
func NewConflict(message string) *Error {
	return newError(http.StatusConflict, "Conflict", message)
}

// NewUnprocessable signals data that parsed but failed validation
// (status 422).
func NewUnprocessable(message string) *Error {
	return newError(http.StatusUnprocessableEntity, "Unprocessable", message)
}

// NewGeneralError signals an internal failure (status 500).
func NewGeneralError(message string) *Error {
	return newError(http.StatusInternalServerError, "GeneralError", message)
}

// Convert maps an arbitrary error to its wire form. A nil error stays nil,
// an *Error passes through, the dispatch sentinels map to their statuses,
// and anything else becomes a 500 wrapping the original.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	var converted *Error
	switch {
	case errors.Is(err, ErrServiceNotFound):
		converted = NewNotFound(err.Error())
	case errors.Is(err, ErrMethodNotSupported), errors.Is(err, ErrMethodUnknown):
		converted = NewMethodNotAllowed(err.Error())
	case errors.Is(err, ErrRequestNil):
		converted = NewBadRequest(err.Error())
	default:
		converted = NewGeneralError(err.Error())
	}
	converted.cause = err
	return converted
}

// StatusOf reports the transport status code for an error, 500 when it
// carries none.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return Convert(err).Code
}

func methodNotSupportedError(path string, method Method) error {
	return fmt.Errorf("%w: %s on %q", ErrMethodNotSupported, method, path)
}
