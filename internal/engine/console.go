package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"proofline/internal/domain"
)

// Version is a proof as shown in the staff console.
type Version struct {
	Proof  domain.Proof
	Latest bool
	Link   string
}

// ListVersions returns every version of an order newest first; the first
// one is the active version.
func (e Engine) ListVersions(ctx context.Context, orderRef string) (domain.Order, []Version, error) {
	order, err := e.Repo.ResolveOrder(ctx, orderRef)
	if err != nil {
		return order, nil, err
	}
	proofs, err := e.Repo.ListProofs(ctx, order.ID)
	if err != nil {
		return order, nil, err
	}
	out := make([]Version, 0, len(proofs))
	for i, p := range proofs {
		out = append(out, Version{Proof: p, Latest: i == 0, Link: e.PublicLink(p.ApprovalToken)})
	}
	return order, out, nil
}

func (e Engine) GetProof(ctx context.Context, proofID string) (Version, error) {
	p, err := e.Repo.GetProof(ctx, proofID)
	if err != nil {
		return Version{}, err
	}
	latest, err := e.isLatest(ctx, p)
	if err != nil {
		return Version{}, err
	}
	return Version{Proof: p, Latest: latest, Link: e.PublicLink(p.ApprovalToken)}, nil
}

func (e Engine) OrderHistory(ctx context.Context, orderRef string, limit int) ([]domain.HistoryEntry, error) {
	order, err := e.Repo.ResolveOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, order.ID, limit)
}

func (e Engine) Notifications(ctx context.Context, proofID string) ([]domain.Notification, error) {
	if _, err := e.Repo.GetProof(ctx, proofID); err != nil {
		return nil, err
	}
	return e.Repo.ListNotifications(ctx, proofID)
}

type OrderItemInput struct {
	Description    string
	Quantity       int
	UnitPriceCents int64
}

type CreateOrderInput struct {
	Number        string
	ClientName    string
	ClientEmail   string
	ClientCompany string
	Items         []OrderItemInput
}

// CreateOrder seeds an order awaiting its proof. Order management proper
// lives elsewhere; this exists for setup and tests.
func (e Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	if strings.TrimSpace(in.Number) == "" {
		return domain.Order{}, &ValidationError{Field: "number", Message: "order number is required"}
	}
	if strings.TrimSpace(in.ClientName) == "" {
		return domain.Order{}, &ValidationError{Field: "client", Message: "client name is required"}
	}
	if _, err := e.Repo.GetOrderByNumber(ctx, in.Number); err == nil {
		return domain.Order{}, &ValidationError{Field: "number", Message: "order " + in.Number + " already exists"}
	} else if !errors.Is(err, ErrNotFound) {
		return domain.Order{}, err
	}
	now := e.timestamp()
	client := domain.Client{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.ClientName),
		Email:     strings.TrimSpace(in.ClientEmail),
		Company:   strings.TrimSpace(in.ClientCompany),
		CreatedAt: now,
	}
	if err := e.Repo.InsertClient(ctx, client); err != nil {
		return domain.Order{}, err
	}
	order := domain.Order{
		ID:        uuid.NewString(),
		Number:    strings.TrimSpace(in.Number),
		ClientID:  client.ID,
		Status:    domain.OrderAwaitingProof,
		CreatedAt: now,
		UpdatedAt: now,
	}
	items := make([]domain.OrderItem, 0, len(in.Items))
	for i, it := range in.Items {
		items = append(items, domain.OrderItem{
			ID:             uuid.NewString(),
			OrderID:        order.ID,
			Position:       i + 1,
			Description:    it.Description,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
		})
	}
	if err := e.Repo.InsertOrder(ctx, order, items); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}
