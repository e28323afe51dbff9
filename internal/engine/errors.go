package engine

import (
	"fmt"

	"proofline/internal/domain"
	"proofline/internal/repo"
	"proofline/internal/upload"
)

// ErrNotFound covers unknown ids and tokens alike.
var ErrNotFound = repo.ErrNotFound

type (
	ValidationError     = domain.ValidationError
	UploadRejectedError = upload.RejectedError
)

// TransitionError is returned when a staff action does not apply to the
// proof's current state.
type TransitionError struct {
	ProofID string
	Action  string
	Status  domain.ProofStatus
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s proof %s: %s (status %q)", e.Action, e.ProofID, e.Reason, e.Status)
}

// PartialFailure records a side effect that did not happen after the proof
// itself was updated. These need manual reconciliation.
type PartialFailure struct {
	Step            string `json:"step"`
	ProofID         string `json:"proof_id"`
	OrderID         string `json:"order_id"`
	AttemptedStatus string `json:"attempted_status,omitempty"`
	Err             error  `json:"-"`
}

func (p PartialFailure) Error() string {
	return fmt.Sprintf("partial failure at %s for proof %s (order %s): %v", p.Step, p.ProofID, p.OrderID, p.Err)
}
