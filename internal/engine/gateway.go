package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"proofline/internal/domain"
	"proofline/internal/storage"
	"proofline/internal/token"
)

// Resolve returns the review context for a public token. Any miss, including
// dangling order or client references, is reported as ErrNotFound so the
// caller cannot tell them apart.
func (e Engine) Resolve(ctx context.Context, tok string) (domain.ProofContext, error) {
	if !token.Valid(tok) {
		return domain.ProofContext{}, ErrNotFound
	}
	p, err := e.Repo.GetProofByToken(ctx, tok)
	if err != nil {
		return domain.ProofContext{}, err
	}
	order, err := e.Repo.GetOrder(ctx, p.OrderID)
	if err != nil {
		return domain.ProofContext{}, hideMissing(err)
	}
	client, err := e.Repo.GetClient(ctx, order.ClientID)
	if err != nil {
		return domain.ProofContext{}, hideMissing(err)
	}
	items, err := e.Repo.ListOrderItems(ctx, order.ID)
	if err != nil {
		return domain.ProofContext{}, err
	}
	latest, err := e.isLatest(ctx, p)
	if err != nil {
		return domain.ProofContext{}, err
	}
	pc := domain.ProofContext{Proof: p, Order: order, Client: client, Items: items, Latest: latest}
	if e.Bucket != nil {
		u, err := e.Bucket.URL(ctx, p.FileKey)
		if err != nil {
			e.log().Warn("proof file url unavailable", zap.String("proof_id", p.ID), zap.Error(err))
		}
		pc.FileURL = u
	}
	return pc, nil
}

// OpenProofFile streams the file behind a public token, for buckets that
// have no client-reachable URL.
func (e Engine) OpenProofFile(ctx context.Context, tok string) (domain.Proof, io.ReadCloser, error) {
	if !token.Valid(tok) {
		return domain.Proof{}, nil, ErrNotFound
	}
	p, err := e.Repo.GetProofByToken(ctx, tok)
	if err != nil {
		return domain.Proof{}, nil, err
	}
	opener, ok := e.Bucket.(storage.Opener)
	if !ok {
		return domain.Proof{}, nil, ErrNotFound
	}
	rc, err := opener.Open(ctx, p.FileKey)
	if err != nil {
		return domain.Proof{}, nil, hideMissing(err)
	}
	return p, rc, nil
}

func hideMissing(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// DecisionRequest is the public wire form of a decision.
type DecisionRequest struct {
	Decision     string
	ClientName   string
	Comments     string
	Confirmation string
}

// Ack is what the public decision endpoint answers.
type Ack struct {
	Success        bool
	NewStatus      domain.ProofStatus
	AlreadyDecided bool
	CurrentStatus  domain.ProofStatus
	Message        string
	Warnings       []string
}

// SubmitDecision resolves the token, parses the decision and forwards it to
// Decide, which checks state before validating the payload. Rejections
// become an unsuccessful Ack, not an error: double submissions from two tabs
// or a double click are expected.
func (e Engine) SubmitDecision(ctx context.Context, tok string, req DecisionRequest) (Ack, error) {
	if !token.Valid(tok) {
		return Ack{}, ErrNotFound
	}
	if _, err := e.Repo.GetProofByToken(ctx, tok); err != nil {
		return Ack{}, err
	}
	d, err := domain.ParseDecision(req.Decision, req.ClientName, req.Comments, req.Confirmation)
	if err != nil {
		return Ack{}, err
	}
	res, err := e.Decide(ctx, tok, d)
	if err != nil {
		return Ack{}, err
	}
	if !res.Applied() {
		return Ack{
			AlreadyDecided: res.Reason == ReasonAlreadyDecided,
			CurrentStatus:  res.Status,
			Message:        rejectionMessage(res),
		}, nil
	}
	ack := Ack{Success: true, NewStatus: res.Status, CurrentStatus: res.Status}
	for _, pf := range res.PartialFailures {
		switch pf.Step {
		case "order_status":
			ack.Warnings = append(ack.Warnings, "decision recorded; production status needs manual follow-up")
		default:
			ack.Warnings = append(ack.Warnings, fmt.Sprintf("decision recorded; %s needs manual follow-up", pf.Step))
		}
	}
	return ack, nil
}

func rejectionMessage(res DecisionResult) string {
	switch res.Reason {
	case ReasonAlreadyDecided:
		switch res.Status {
		case domain.ProofApproved:
			return "This proof was already approved."
		case domain.ProofModificationRequested:
			return "A modification was already requested for this proof."
		}
		return "A decision was already recorded for this proof."
	case ReasonSuperseded:
		return "A newer version of this proof is available; please use the latest link."
	default:
		return "This proof is not open for review yet."
	}
}
