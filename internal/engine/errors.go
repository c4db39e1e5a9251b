package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle              = errors.New("dependency cycle")
	ErrUnknownReference   = errors.New("unknown reference")
	ErrDuplicateID        = errors.New("duplicate resource id")
	ErrInvalidDeclaration = errors.New("invalid declaration")
	ErrPreventDestroy     = errors.New("prevent_destroy is set")
)

// CycleError reports a closed dependency chain. Path starts and ends with
// the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// UnknownReferenceError reports a reference or dependsOn entry naming an
// undeclared id.
type UnknownReferenceError struct {
	From   string
	Target string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("%s references undeclared resource %q", e.From, e.Target)
}

func (e *UnknownReferenceError) Unwrap() error { return ErrUnknownReference }

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate resource id %q", e.ID)
}

func (e *DuplicateIDError) Unwrap() error { return ErrDuplicateID }

type ValidationError struct {
	ID  string
	Msg string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return "invalid declaration: " + e.Msg
	}
	return fmt.Sprintf("invalid declaration %q: %s", e.ID, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDeclaration }
