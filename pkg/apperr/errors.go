package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation                 Kind = "VALIDATION"
	KindNotFound                   Kind = "NOT_FOUND"
	KindForbidden                  Kind = "FORBIDDEN"
	KindDuplicateCode              Kind = "DUPLICATE_CODE"
	KindInvalidParent              Kind = "INVALID_PARENT"
	KindInvalidDepartment          Kind = "INVALID_DEPARTMENT"
	KindCycleDetected              Kind = "CYCLE_DETECTED"
	KindMaxDepthExceeded           Kind = "MAX_DEPTH_EXCEEDED"
	KindSelfReport                 Kind = "SELF_REPORT"
	KindMatrixDisabled             Kind = "MATRIX_DISABLED"
	KindDuplicatePrimary           Kind = "DUPLICATE_PRIMARY"
	KindDuplicateRelationship      Kind = "DUPLICATE_RELATIONSHIP"
	KindAlignmentRequiredViolation Kind = "ALIGNMENT_REQUIRED"
	KindAlignmentDisabled          Kind = "ALIGNMENT_DISABLED"
	KindInvalidCascade             Kind = "INVALID_CASCADE"
	KindHasDependents              Kind = "HAS_DEPENDENTS"
	KindPrimaryRequired            Kind = "PRIMARY_REQUIRED"
	KindNotMember                  Kind = "NOT_MEMBER"
	KindRollupConflict             Kind = "ROLLUP_CONFLICT"
	KindInvalidTransition          Kind = "INVALID_TRANSITION"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrValidation                 = &Error{Kind: KindValidation}
	ErrNotFound                   = &Error{Kind: KindNotFound}
	ErrForbidden                  = &Error{Kind: KindForbidden}
	ErrDuplicateCode              = &Error{Kind: KindDuplicateCode}
	ErrInvalidParent              = &Error{Kind: KindInvalidParent}
	ErrInvalidDepartment          = &Error{Kind: KindInvalidDepartment}
	ErrCycleDetected              = &Error{Kind: KindCycleDetected}
	ErrMaxDepthExceeded           = &Error{Kind: KindMaxDepthExceeded}
	ErrSelfReport                 = &Error{Kind: KindSelfReport}
	ErrMatrixDisabled             = &Error{Kind: KindMatrixDisabled}
	ErrDuplicatePrimary           = &Error{Kind: KindDuplicatePrimary}
	ErrDuplicateRelationship      = &Error{Kind: KindDuplicateRelationship}
	ErrAlignmentRequiredViolation = &Error{Kind: KindAlignmentRequiredViolation}
	ErrAlignmentDisabled          = &Error{Kind: KindAlignmentDisabled}
	ErrInvalidCascade             = &Error{Kind: KindInvalidCascade}
	ErrHasDependents              = &Error{Kind: KindHasDependents}
	ErrPrimaryRequired            = &Error{Kind: KindPrimaryRequired}
	ErrNotMember                  = &Error{Kind: KindNotMember}
	ErrRollupConflict             = &Error{Kind: KindRollupConflict}
	ErrInvalidTransition          = &Error{Kind: KindInvalidTransition}
)

// Error is the only error type returned across the engine boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or "" for errors that did not originate here.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindDuplicateCode, KindDuplicatePrimary, KindDuplicateRelationship, KindHasDependents, KindRollupConflict:
		return http.StatusConflict
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}
