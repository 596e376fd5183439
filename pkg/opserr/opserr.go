// Package opserr defines the error taxonomy shared by the ops-core components.
//
// Every error returned across a component boundary is an *Error carrying a Kind.
// Callers test for a kind with errors.Is against the exported sentinels and map
// kinds to a severity Class with ClassOf.
package opserr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a category of failure.
type Kind string

const (
	KindAgentNotFound              Kind = "agent_not_found"
	KindSessionNotFound            Kind = "session_not_found"
	KindWorkflowDefinitionNotFound Kind = "workflow_definition_not_found"
	KindAgentAlreadyExists         Kind = "agent_already_exists"
	KindInvalidState               Kind = "invalid_state"
	KindStorage                    Kind = "storage"
	KindRegistration               Kind = "registration"
	KindWorkflowDefinition         Kind = "workflow_definition_error"
	KindTaskDispatch               Kind = "task_dispatch_error"
)

// Class is the user-visible severity of a Kind.
type Class string

const (
	ClassNotFound Class = "not_found"
	ClassInvalid  Class = "invalid"
	ClassConflict Class = "conflict"
	ClassInternal Class = "internal"
)

// kindClass is the single lookup table from error kind to severity.
var kindClass = map[Kind]Class{
	KindAgentNotFound:              ClassNotFound,
	KindSessionNotFound:            ClassNotFound,
	KindWorkflowDefinitionNotFound: ClassNotFound,
	KindAgentAlreadyExists:         ClassConflict,
	KindInvalidState:               ClassInvalid,
	KindWorkflowDefinition:         ClassInvalid,
	KindStorage:                    ClassInternal,
	KindRegistration:               ClassInternal,
	KindTaskDispatch:               ClassInternal,
}

// Sentinels for errors.Is checks. They match any *Error of the same Kind.
var (
	ErrAgentNotFound              = &Error{Kind: KindAgentNotFound}
	ErrSessionNotFound            = &Error{Kind: KindSessionNotFound}
	ErrWorkflowDefinitionNotFound = &Error{Kind: KindWorkflowDefinitionNotFound}
	ErrAgentAlreadyExists         = &Error{Kind: KindAgentAlreadyExists}
	ErrInvalidState               = &Error{Kind: KindInvalidState}
	ErrStorage                    = &Error{Kind: KindStorage}
	ErrRegistration               = &Error{Kind: KindRegistration}
	ErrWorkflowDefinition         = &Error{Kind: KindWorkflowDefinition}
	ErrTaskDispatch               = &Error{Kind: KindTaskDispatch}
)

// Error is a classified ops-core error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "lifecycle.RegisterAgent"
	Message string
	AgentID string
	TaskID  string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	if e.AgentID != "" {
		fmt.Fprintf(&b, " (agent=%s", e.AgentID)
		if e.TaskID != "" {
			fmt.Fprintf(&b, ", task=%s", e.TaskID)
		}
		b.WriteString(")")
	} else if e.TaskID != "" {
		fmt.Fprintf(&b, " (task=%s)", e.TaskID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error of the given kind.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ClassOf returns the severity class of err. Unclassified errors are internal.
func ClassOf(err error) Class {
	if c, ok := kindClass[KindOf(err)]; ok {
		return c
	}
	return ClassInternal
}
