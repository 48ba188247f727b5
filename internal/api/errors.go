package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/MimeLyc/vidgen-client/pkg/log"
)

type ErrorType int

const (
	ErrNetwork ErrorType = iota
	ErrHTTP
	ErrUnauthorized
	ErrNotFound
	ErrValidation
	ErrDecode
	ErrUnknown
)

type ClientError struct {
	Type    ErrorType
	Message string
	Status  int
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *ClientError {
	return &ClientError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *ClientError {
	return &ClientError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *ClientError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status: %d", e.Status))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

func (e *ClientError) WithContext(key string, value any) *ClientError {
	e.Context[key] = value
	return e
}

func (e *ClientError) WithStatus(status int) *ClientError {
	e.Status = status
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrNetwork:
		return "Network"
	case ErrHTTP:
		return "HTTP"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrNotFound:
		return "NotFound"
	case ErrValidation:
		return "Validation"
	case ErrDecode:
		return "Decode"
	default:
		return "Unknown"
	}
}

// UserMessage is the short text shown to a user when a call they started fails.
func UserMessage(err error) string {
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return "Something went wrong, please try again"
	}
	switch clientErr.Type {
	case ErrNetwork:
		return "Cannot reach the server, check your connection"
	case ErrUnauthorized:
		return "Your session has expired, please log in again"
	case ErrNotFound:
		return "The requested item no longer exists"
	case ErrValidation, ErrHTTP:
		return clientErr.Message
	default:
		return "Something went wrong, please try again"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *ClientError {
	return NewErrorWithCause(errorType, message, err)
}

// statusError maps a non-2xx response to a typed error.
func statusError(status int, detail string) *ClientError {
	if detail == "" {
		detail = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return NewError(ErrUnauthorized, detail).WithStatus(status)
	case status == http.StatusNotFound:
		return NewError(ErrNotFound, detail).WithStatus(status)
	case status == http.StatusUnprocessableEntity:
		return NewError(ErrValidation, detail).WithStatus(status)
	default:
		return NewError(ErrHTTP, detail).WithStatus(status)
	}
}

// SafeExecute runs fn and turns a panic into an ErrUnknown error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic: %v", r)
			err = NewError(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
