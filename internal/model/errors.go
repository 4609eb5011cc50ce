package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Error taxonomy shared by every component. Wrap with eris and test with
// errors.Is.
var (
	// ErrValidation marks bad input to a public operation.
	ErrValidation = eris.New("validation error")
	// ErrNotFound marks an unknown attempt id.
	ErrNotFound = eris.New("not found")
	// ErrPreconditionFailed marks a state-machine guard violation. Queue
	// consumers treat it as non-retriable.
	ErrPreconditionFailed = eris.New("precondition failed")
	// ErrInvalidState marks an interactive operation that the attempt's
	// current status does not allow.
	ErrInvalidState = eris.New("invalid state")
	// ErrExternalService marks an OCR, LLM, storage or queue failure.
	ErrExternalService = eris.New("external service error")
	// ErrNoProducts marks a promotion with nothing to export.
	ErrNoProducts = eris.New("no products to export")
	// ErrMappingFailed marks a column-mapping failure (LLM error or
	// unparseable response).
	ErrMappingFailed = eris.New("mapping failed")
)

// ExternalError is a failure of an out-of-process collaborator. errors.Is
// matches both ErrExternalService and the underlying cause.
type ExternalError struct {
	Service string
	Err     error
}

func (e *ExternalError) Error() string { return e.Service + ": " + e.Err.Error() }

func (e *ExternalError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// External tags err as an ExternalError for service. Nil stays nil, and an
// error already tagged is returned unchanged.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalError{Service: service, Err: err}
}
