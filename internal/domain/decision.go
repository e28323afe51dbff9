package domain

import (
	"fmt"
	"strings"
)

type DecisionKind string

const (
	DecisionApprove             DecisionKind = "approve"
	DecisionRequestModification DecisionKind = "request_modification"
)

// Decision is either Approve or RequestModification.
type Decision interface {
	Kind() DecisionKind
	isDecision()
}

// Approve signs off a proof; ClientName acts as the signature.
type Approve struct {
	ClientName   string
	Confirmation string
}

type RequestModification struct {
	ClientName string
	Comments   string
}

func (Approve) Kind() DecisionKind             { return DecisionApprove }
func (RequestModification) Kind() DecisionKind { return DecisionRequestModification }
func (Approve) isDecision()                    {}
func (RequestModification) isDecision()        {}

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseDecision maps a wire decision onto the Decision union. The legacy
// "approved"/"rejected" vocabulary is accepted as an alias.
func ParseDecision(kind, clientName, comments, confirmation string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "approve", "approved":
		return Approve{ClientName: strings.TrimSpace(clientName), Confirmation: strings.TrimSpace(confirmation)}, nil
	case "request_modification", "request-modification", "rejected":
		return RequestModification{ClientName: strings.TrimSpace(clientName), Comments: strings.TrimSpace(comments)}, nil
	case "":
		return nil, &ValidationError{Field: "decision", Message: "decision is required"}
	default:
		return nil, &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", kind)}
	}
}

// ValidateDecision checks the payload of d. A non-empty phrase must be typed
// back (case-insensitive) to approve.
func ValidateDecision(d Decision, phrase string) error {
	switch v := d.(type) {
	case Approve:
		if strings.TrimSpace(v.ClientName) == "" {
			return &ValidationError{Field: "clientName", Message: "name is required to approve"}
		}
		if phrase != "" && !strings.EqualFold(strings.TrimSpace(v.Confirmation), strings.TrimSpace(phrase)) {
			return &ValidationError{Field: "confirmation", Message: fmt.Sprintf("type %q to confirm the approval", phrase)}
		}
	case RequestModification:
		if strings.TrimSpace(v.Comments) == "" {
			return &ValidationError{Field: "comments", Message: "comments are required to request a modification"}
		}
	case nil:
		return &ValidationError{Field: "decision", Message: "decision is required"}
	default:
		return &ValidationError{Field: "decision", Message: fmt.Sprintf("unsupported decision %T", d)}
	}
	return nil
}
