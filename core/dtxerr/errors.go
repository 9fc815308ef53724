// Package dtxerr holds the error taxonomy shared by every DTX component.
// Callers match with errors.Is; components wrap these with fmt.Errorf("...: %w").
package dtxerr

import (
	"errors"
	"strings"
)

var (
	ErrConfigValidation = errors.New("configuration validation failed")
	ErrConnection       = errors.New("peer connection error")
	ErrTimeout          = errors.New("timed out")
	ErrJournalIO        = errors.New("journal i/o error")
	ErrIllegalState     = errors.New("illegal state for this operation")
	ErrIllegalArgument  = errors.New("illegal argument")
	// ErrAborted is returned to submitters whose transaction was aborted by a local stop.
	ErrAborted = errors.New("transaction aborted")
	// ErrNotFound is returned for transaction ids this node never issued or saw.
	ErrNotFound = errors.New("transaction not found")
)

// ConfigValidationError collects every problem found while building a
// configuration registry so an operator can fix them in one pass.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrConfigValidation.Error()
	}
	return ErrConfigValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ConfigValidationError) Unwrap() error { return ErrConfigValidation }

// Add appends a problem description.
func (e *ConfigValidationError) Add(problem string) {
	e.Problems = append(e.Problems, problem)
}

// OrNil returns e if it holds at least one problem, otherwise nil.
func (e *ConfigValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
