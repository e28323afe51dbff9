package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"proofline/internal/domain"
	"proofline/internal/history"
	"proofline/internal/repo"
	"proofline/internal/token"
)

type ResultKind string

const (
	Applied  ResultKind = "applied"
	Rejected ResultKind = "rejected"
)

type RejectReason string

const (
	ReasonAlreadyDecided RejectReason = "already_decided"
	ReasonSuperseded     RejectReason = "superseded"
	ReasonNotSent        RejectReason = "not_sent"
)

// DecisionResult is the outcome of a client decision. Expected business
// outcomes are results, not errors: Rejected carries the reason and the
// proof's current status.
type DecisionResult struct {
	Kind            ResultKind
	Reason          RejectReason
	Status          domain.ProofStatus
	ProofID         string
	OrderID         string
	Version         int
	OrderStatus     string
	PartialFailures []PartialFailure
}

func (r DecisionResult) Applied() bool { return r.Kind == Applied }

func rejected(p domain.Proof, reason RejectReason) DecisionResult {
	return DecisionResult{Kind: Rejected, Reason: reason, Status: p.Status, ProofID: p.ID, OrderID: p.OrderID, Version: p.Version}
}

// Decide is the only path to a terminal proof status. The proof update is a
// compare-and-set on SentToClient, so a repeated or concurrent submission
// changes nothing and reports AlreadyDecided. The order update (approve only)
// and the history entry follow; if either fails the decision stands and the
// failure is logged for reconciliation and returned in PartialFailures.
func (e Engine) Decide(ctx context.Context, tok string, d domain.Decision) (DecisionResult, error) {
	if !token.Valid(tok) {
		return DecisionResult{}, ErrNotFound
	}
	p, err := e.Repo.GetProofByToken(ctx, tok)
	if err != nil {
		return DecisionResult{}, err
	}
	if p.Status.Terminal() {
		return rejected(p, ReasonAlreadyDecided), nil
	}
	if p.Status != domain.ProofSentToClient {
		return rejected(p, ReasonNotSent), nil
	}
	latest, err := e.isLatest(ctx, p)
	if err != nil {
		return DecisionResult{}, err
	}
	if !latest {
		return rejected(p, ReasonSuperseded), nil
	}
	if err := domain.ValidateDecision(d, e.Config.Approval.ConfirmationPhrase); err != nil {
		return DecisionResult{}, err
	}

	at := e.now()
	now := at.UTC().Format(time.RFC3339)
	t := repo.ProofTransition{DecidedAt: strPtr(now), UpdatedAt: now}
	entry := history.Entry{At: at, OrderID: p.OrderID, ProofID: p.ID, ClientAction: true}
	switch v := d.(type) {
	case domain.Approve:
		name := strings.TrimSpace(v.ClientName)
		t.To = domain.ProofApproved
		t.ApproverName = &name
		entry.Type = domain.HistoryApproved
		entry.ActorID = "client:" + name
		entry.Description = fmt.Sprintf("Épreuve v%d approuvée par %s", p.Version, name)
		entry.Metadata = history.Metadata{"version": p.Version, "approver_name": name}
	case domain.RequestModification:
		comments := strings.TrimSpace(v.Comments)
		name := strings.TrimSpace(v.ClientName)
		t.To = domain.ProofModificationRequested
		t.ClientComments = &comments
		entry.Type = domain.HistoryModificationRequested
		entry.ActorID = "client"
		if name != "" {
			entry.ActorID = "client:" + name
		}
		entry.Description = fmt.Sprintf("Modification demandée sur l'épreuve v%d", p.Version)
		entry.Metadata = history.Metadata{"version": p.Version, "comments": comments}
		if name != "" {
			entry.Metadata["client_name"] = name
		}
	}

	changed, err := e.Repo.TransitionProof(ctx, p.ID, domain.ProofSentToClient, t)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("update proof status: %w", err)
	}
	if !changed {
		current, err := e.Repo.GetProof(ctx, p.ID)
		if err != nil {
			return DecisionResult{}, err
		}
		return rejected(current, ReasonAlreadyDecided), nil
	}

	res := DecisionResult{Kind: Applied, Status: t.To, ProofID: p.ID, OrderID: p.OrderID, Version: p.Version}
	if t.To == domain.ProofApproved {
		status := e.Config.Approval.PostApprovalOrderStatus
		if err := e.Orders.UpdateOrderStatus(ctx, p.OrderID, status, now); err != nil {
			res.PartialFailures = append(res.PartialFailures, e.partialFailure("order_status", p, status, err))
		} else {
			res.OrderStatus = status
		}
	}
	if _, err := e.History.Append(ctx, entry); err != nil {
		res.PartialFailures = append(res.PartialFailures, e.partialFailure("history", p, string(t.To), err))
	}
	e.log().Info("proof decision applied",
		zap.String("proof_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.Int("version", p.Version),
		zap.String("status", string(t.To)))
	return res, nil
}

func (e Engine) partialFailure(step string, p domain.Proof, attempted string, err error) PartialFailure {
	pf := PartialFailure{Step: step, ProofID: p.ID, OrderID: p.OrderID, AttemptedStatus: attempted, Err: err}
	e.log().Error("partial failure: manual reconciliation required",
		zap.String("step", step),
		zap.String("proof_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("attempted_status", attempted),
		zap.Error(err))
	return pf
}
