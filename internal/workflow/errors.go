package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/phasegraph/internal/lock"
	"github.com/msageha/phasegraph/internal/store"
)

var (
	ErrInvalidPhase       = errors.New("invalid phase")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidBranchState = errors.New("invalid branch state")
	ErrBranchNotReady     = errors.New("branch not ready")
	ErrTaskBlocked        = errors.New("task blocked")
	ErrTaskNotFound       = errors.New("task not found")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrGraphCorruption    = errors.New("graph corruption")
)

// Error is returned by every engine operation that fails for a domain reason.
// It unwraps to its Kind, so callers match with errors.Is(err, ErrCyclicDependency).
type Error struct {
	Op     string
	Kind   error
	IDs    []string
	Detail string
}

func newError(op string, kind error, detail string, ids ...string) *Error {
	return &Error{Op: op, Kind: kind, IDs: ids, Detail: detail}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if len(e.IDs) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(e.IDs, ", "))
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func (e *Error) ErrorCode() string {
	return Code(e.Kind)
}

func (e *Error) FormatStderr() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "error: %s (%s)\n", e.Kind, e.ErrorCode())
	fmt.Fprintf(&sb, "operation: %s\n", e.Op)
	if len(e.IDs) > 0 {
		fmt.Fprintf(&sb, "ids: %s\n", strings.Join(e.IDs, ", "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&sb, "detail: %s\n", e.Detail)
	}
	return sb.String()
}

// ValidationError is one field-level problem in a request.
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// asError converts accumulated field errors into an ErrInvalidRequest.
func (ve *ValidationErrors) asError(op string) error {
	if !ve.HasErrors() {
		return nil
	}
	return newError(op, ErrInvalidRequest, ve.Error())
}

type Class string

const (
	ClassValidation     Class = "validation"
	ClassBlocking       Class = "blocking"
	ClassInfrastructure Class = "infrastructure"
	ClassCorruption     Class = "corruption"
	ClassUnknown        Class = "unknown"
)

// Classify maps an error to the kind of reaction it calls for.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGraphCorruption):
		return ClassCorruption
	case errors.Is(err, ErrTaskBlocked):
		return ClassBlocking
	case errors.Is(err, store.ErrTimeout), errors.Is(err, store.ErrUnavailable), errors.Is(err, lock.ErrLockTimeout):
		return ClassInfrastructure
	case errors.Is(err, ErrInvalidPhase),
		errors.Is(err, ErrUnknownDependency),
		errors.Is(err, ErrCyclicDependency),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidBranchState),
		errors.Is(err, ErrBranchNotReady),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrBranchNotFound),
		errors.Is(err, ErrInvalidRequest):
		return ClassValidation
	}
	return ClassUnknown
}

// IsRetryable is true only for transient infrastructure failures.
func IsRetryable(err error) bool {
	return Classify(err) == ClassInfrastructure
}

var codes = []struct {
	kind error
	code string
}{
	{ErrInvalidPhase, "INVALID_PHASE"},
	{ErrUnknownDependency, "UNKNOWN_DEPENDENCY"},
	{ErrCyclicDependency, "CYCLIC_DEPENDENCY"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrInvalidBranchState, "INVALID_BRANCH_STATE"},
	{ErrBranchNotReady, "BRANCH_NOT_READY"},
	{ErrTaskBlocked, "TASK_BLOCKED"},
	{ErrTaskNotFound, "TASK_NOT_FOUND"},
	{ErrBranchNotFound, "BRANCH_NOT_FOUND"},
	{ErrInvalidRequest, "VALIDATION_ERROR"},
	{ErrGraphCorruption, "GRAPH_CORRUPTION"},
	{store.ErrTimeout, "STORE_TIMEOUT"},
	{lock.ErrLockTimeout, "STORE_TIMEOUT"},
	{store.ErrUnavailable, "STORE_UNAVAILABLE"},
}

// Code returns the stable wire code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}

// KindForCode is the inverse of Code, used by clients to rebuild typed errors.
func KindForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.kind
		}
	}
	return nil
}
