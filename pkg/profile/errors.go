package profile

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an operation against a NaturalPersonID with
	// no (or a tombstoned) profile document.
	ErrNotFound = errors.New("profile not found")

	// ErrConflict indicates an account already linked to a different
	// person, or a merge that lost a concurrent race. Callers retry with
	// fresh reads; the engine never silently reassigns.
	ErrConflict = errors.New("profile conflict")

	// ErrValidation indicates a malformed dimension value, e.g. a
	// personality score outside [0,1].
	ErrValidation = errors.New("invalid profile value")

	// ErrStorage wraps profile store I/O failures. Fatal to the current
	// operation; no empty profile is fabricated in its place.
	ErrStorage = errors.New("profile storage error")
)

// ExtractionError marks a failed external extractor run. It is confined
// to one module dispatch and never aborts sibling modules.
type ExtractionError struct {
	Module string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed in module %q: %v", e.Module, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
