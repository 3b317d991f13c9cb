package lifecycle

import (
	"errors"
	"fmt"

	"github.com/resq-labs/resq-core/internal/models"
)

var (
	// ErrUnknownStatus is returned for a status no alias maps to.
	ErrUnknownStatus = errors.New("unknown status")

	// ErrForbidden means the actor may not perform this transition.
	ErrForbidden = errors.New("actor may not perform this transition")
)

// ValidationError is a 400-class input problem.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// DuplicateBookingError reports a same-service booking inside the duplicate
// window. Callers surface 409 with the existing request id.
type DuplicateBookingError struct {
	Existing *models.ServiceRequest
}

func (e *DuplicateBookingError) Error() string {
	return fmt.Sprintf("duplicate booking: request %d is already open", e.Existing.ID)
}

// TransitionError reports a state move the machine does not allow.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move request from %s to %s", e.From, e.To)
}
