package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proofline/internal/domain"
	"proofline/internal/history"
	"proofline/internal/notify"
	"proofline/internal/repo"
)

type SendResult struct {
	Proof           domain.Proof
	Link            string
	Notification    domain.Notification
	DeliveryError   string
	PartialFailures []PartialFailure
}

// SendProof moves a prepared proof to SentToClient and emails the link. A
// failed email does not undo the transition; it is recorded on the
// notification and can be retried with ResendProof.
func (e Engine) SendProof(ctx context.Context, proofID, actorID string) (SendResult, error) {
	p, order, client, err := e.loadForSend(ctx, proofID, "send", domain.ProofPreparing)
	if err != nil {
		return SendResult{}, err
	}
	now := e.timestamp()
	changed, err := e.Repo.TransitionProof(ctx, p.ID, domain.ProofPreparing, repo.ProofTransition{To: domain.ProofSentToClient, SentAt: strPtr(now), UpdatedAt: now})
	if err != nil {
		return SendResult{}, fmt.Errorf("update proof status: %w", err)
	}
	if !changed {
		current, err := e.Repo.GetProof(ctx, p.ID)
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{}, &TransitionError{ProofID: p.ID, Action: "send", Status: current.Status, Reason: "proof is no longer in preparation"}
	}
	p.Status = domain.ProofSentToClient
	p.SentAt = strPtr(now)
	p.UpdatedAt = now

	res := SendResult{Proof: p, Link: e.PublicLink(p.ApprovalToken)}
	if _, err := e.History.Append(ctx, history.Entry{
		At:          e.now(),
		OrderID:     order.ID,
		ProofID:     p.ID,
		Type:        domain.HistorySent,
		Description: fmt.Sprintf("Épreuve v%d envoyée au client (%s)", p.Version, client.Email),
		ActorID:     actorID,
		Metadata:    history.Metadata{"version": p.Version, "recipient": client.Email},
	}); err != nil {
		res.PartialFailures = append(res.PartialFailures, e.partialFailure("history", p, string(domain.ProofSentToClient), err))
	}
	res.Notification, res.DeliveryError = e.deliver(ctx, p, order, client, res.Link)
	return res, nil
}

// ResendProof emails the link of an already-sent proof again. No new version
// is created and the proof status does not change.
func (e Engine) ResendProof(ctx context.Context, proofID, actorID string) (SendResult, error) {
	p, order, client, err := e.loadForSend(ctx, proofID, "resend", domain.ProofSentToClient)
	if err != nil {
		return SendResult{}, err
	}
	res := SendResult{Proof: p, Link: e.PublicLink(p.ApprovalToken)}
	res.Notification, res.DeliveryError = e.deliver(ctx, p, order, client, res.Link)
	if _, err := e.History.Append(ctx, history.Entry{
		At:          e.now(),
		OrderID:     order.ID,
		ProofID:     p.ID,
		Type:        domain.HistoryResent,
		Description: fmt.Sprintf("Lien de l'épreuve v%d renvoyé au client (%s)", p.Version, client.Email),
		ActorID:     actorID,
		Metadata:    history.Metadata{"version": p.Version, "notification_id": res.Notification.ID, "delivery": res.Notification.Status},
	}); err != nil {
		res.PartialFailures = append(res.PartialFailures, e.partialFailure("history", p, string(p.Status), err))
	}
	return res, nil
}

// ShareLink returns the public link for manual copy.
func (e Engine) ShareLink(ctx context.Context, proofID string) (string, error) {
	p, err := e.Repo.GetProof(ctx, proofID)
	if err != nil {
		return "", err
	}
	return e.PublicLink(p.ApprovalToken), nil
}

func (e Engine) loadForSend(ctx context.Context, proofID, action string, want domain.ProofStatus) (domain.Proof, domain.Order, domain.Client, error) {
	p, err := e.Repo.GetProof(ctx, proofID)
	if err != nil {
		return p, domain.Order{}, domain.Client{}, err
	}
	latest, err := e.isLatest(ctx, p)
	if err != nil {
		return p, domain.Order{}, domain.Client{}, err
	}
	if !latest {
		return p, domain.Order{}, domain.Client{}, &TransitionError{ProofID: p.ID, Action: action, Status: p.Status, Reason: "a newer version exists"}
	}
	if p.Status != want {
		return p, domain.Order{}, domain.Client{}, &TransitionError{ProofID: p.ID, Action: action, Status: p.Status, Reason: fmt.Sprintf("proof must be %q", want)}
	}
	if p.ApprovalToken == "" {
		return p, domain.Order{}, domain.Client{}, &TransitionError{ProofID: p.ID, Action: action, Status: p.Status, Reason: "proof has no token"}
	}
	order, err := e.Repo.GetOrder(ctx, p.OrderID)
	if err != nil {
		return p, order, domain.Client{}, fmt.Errorf("load order %s: %w", p.OrderID, err)
	}
	client, err := e.Repo.GetClient(ctx, order.ClientID)
	if err != nil {
		return p, order, client, fmt.Errorf("load client %s: %w", order.ClientID, err)
	}
	if client.Email == "" {
		return p, order, client, &ValidationError{Field: "client.email", Message: fmt.Sprintf("client of order %s has no email address", order.Number)}
	}
	return p, order, client, nil
}

// deliver records a notification and dispatches the email. Failures are
// logged and stored on the notification, never returned.
func (e Engine) deliver(ctx context.Context, p domain.Proof, order domain.Order, client domain.Client, link string) (domain.Notification, string) {
	now := e.timestamp()
	n := domain.Notification{
		ID:        uuid.NewString(),
		ProofID:   p.ID,
		OrderID:   order.ID,
		Channel:   "email",
		Recipient: client.Email,
		Link:      link,
		Status:    domain.NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields := []zap.Field{
		zap.String("proof_id", p.ID),
		zap.String("order_id", order.ID),
		zap.String("notification_id", n.ID),
		zap.String("recipient", client.Email),
	}
	if err := e.Repo.InsertNotification(ctx, n); err != nil {
		e.log().Error("delivery failure: notification log unavailable", append(fields, zap.Error(err))...)
		n.Status = domain.NotificationFailed
		return n, err.Error()
	}
	if e.Dispatcher == nil {
		return e.finishDelivery(ctx, n, domain.NotificationFailed, fmt.Errorf("no mail dispatcher configured"), fields)
	}
	msg, err := notify.ProofEmail{
		ClientName:  client.Name,
		ClientEmail: client.Email,
		OrderNumber: order.Number,
		Version:     p.Version,
		Link:        link,
		ShopName:    e.Config.Mail.FromName,
	}.Render()
	if err != nil {
		return e.finishDelivery(ctx, n, domain.NotificationFailed, err, fields)
	}
	status, err := e.Dispatcher.Dispatch(ctx, n.ID, msg)
	return e.finishDelivery(ctx, n, status, err, fields)
}

func (e Engine) finishDelivery(ctx context.Context, n domain.Notification, status string, sendErr error, fields []zap.Field) (domain.Notification, string) {
	now := e.timestamp()
	var errText string
	if sendErr != nil {
		errText = sendErr.Error()
		e.log().Error("delivery failure: proof email not sent", append(fields, zap.Error(sendErr))...)
	}
	var err error
	if status == domain.NotificationQueued {
		err = e.Repo.MarkNotificationQueued(ctx, n.ID, now)
	} else {
		err = e.Repo.RecordDeliveryAttempt(ctx, n.ID, status, errText, now)
		n.Attempts++
	}
	if err != nil {
		e.log().Error("record delivery attempt", append(fields, zap.Error(err))...)
	}
	n.Status = status
	n.UpdatedAt = now
	if errText != "" {
		n.LastError = &errText
	}
	return n, errText
}
