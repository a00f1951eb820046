package clr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotManaged is returned when a file is not a PE image carrying a CLR header.
	ErrNotManaged = errors.New("not a managed binary")
	// ErrBadMetadata is returned when the CLR metadata cannot be parsed at all.
	ErrBadMetadata = errors.New("malformed CLR metadata")
	// ErrModuleReleased is returned by accessors on a module whose session was closed.
	ErrModuleReleased = errors.New("module released")
)

// PartialLoadError reports that some type definitions in a module could not be
// decoded. The types that did decode are still returned alongside it.
type PartialLoadError struct {
	Path   string
	Loaded int
	Errs   []error
}

func (e *PartialLoadError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %d types loaded, %d failed: %s",
		e.Path, e.Loaded, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *PartialLoadError) Unwrap() []error {
	return e.Errs
}
