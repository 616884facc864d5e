package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds shared by every orchestrator component.
var (
	ErrNotFound                   = errors.New("not found")
	ErrAlreadyExists              = errors.New("already exists")
	ErrConflict                   = errors.New("conflict")
	ErrInvalidState               = errors.New("invalid state")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrValidation                 = errors.New("validation error")
	ErrSchedulerUnavailable       = errors.New("scheduler unavailable")
	ErrDefinitionStoreUnavailable = errors.New("definition store unavailable")
)

// Problem codes returned to API callers.
const (
	CodeNotFound                   = "not_found"
	CodeAlreadyExists              = "already_exists"
	CodeConflict                   = "conflict"
	CodeInvalidState               = "invalid_state"
	CodePermissionDenied           = "permission_denied"
	CodeValidation                 = "validation_failed"
	CodeSchedulerUnavailable       = "scheduler_unavailable"
	CodeDefinitionStoreUnavailable = "definition_store_unavailable"
	CodeInternal                   = "internal_error"
)

// Error is a classified failure. Kind is one of the sentinel errors above.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// NewError classifies cause under kind.
func NewError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind unless it already carries a kind.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return NewError(kind, msg, err)
}

var kinds = []error{
	ErrNotFound,
	ErrAlreadyExists,
	ErrConflict,
	ErrInvalidState,
	ErrPermissionDenied,
	ErrValidation,
	ErrSchedulerUnavailable,
	ErrDefinitionStoreUnavailable,
}

// KindOf returns the first error kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// HTTPStatus maps an error kind to the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyExists, ErrConflict:
		return http.StatusConflict
	case ErrInvalidState:
		return http.StatusUnprocessableEntity
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrValidation:
		return http.StatusBadRequest
	case ErrSchedulerUnavailable, ErrDefinitionStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ProblemCode maps an error kind to its API problem code.
func ProblemCode(err error) string {
	switch KindOf(err) {
	case ErrNotFound:
		return CodeNotFound
	case ErrAlreadyExists:
		return CodeAlreadyExists
	case ErrConflict:
		return CodeConflict
	case ErrInvalidState:
		return CodeInvalidState
	case ErrPermissionDenied:
		return CodePermissionDenied
	case ErrValidation:
		return CodeValidation
	case ErrSchedulerUnavailable:
		return CodeSchedulerUnavailable
	case ErrDefinitionStoreUnavailable:
		return CodeDefinitionStoreUnavailable
	default:
		return CodeInternal
	}
}
