package server

import (
	"proofline/internal/domain"
	"proofline/internal/engine"
)

// Public payloads use camelCase to match the review page.

type DecisionBody struct {
	Decision     string `json:"decision" example:"approve" doc:"approve or request_modification (approved/rejected accepted)"`
	ClientName   string `json:"clientName,omitempty" example:"Jean Dupont"`
	Comments     string `json:"comments,omitempty" example:"Corriger le logo"`
	Confirmation string `json:"confirmation,omitempty"`
}

type AckResponse struct {
	Success        bool     `json:"success"`
	NewStatus      string   `json:"newStatus,omitempty"`
	AlreadyDecided bool     `json:"alreadyDecided,omitempty"`
	CurrentStatus  string   `json:"currentStatus,omitempty"`
	Error          string   `json:"error,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

type PublicProof struct {
	ID             string  `json:"id"`
	Version        int     `json:"version"`
	Status         string  `json:"status"`
	StatusCode     string  `json:"statusCode" enum:"preparing,sent_to_client,approved,modification_requested"`
	FileName       string  `json:"fileName"`
	ContentType    string  `json:"contentType"`
	PageCount      *int    `json:"pageCount,omitempty"`
	FileURL        string  `json:"fileUrl,omitempty"`
	SentAt         *string `json:"sentAt,omitempty"`
	DecidedAt      *string `json:"decidedAt,omitempty"`
	ApproverName   *string `json:"approverName,omitempty"`
	ClientComments *string `json:"clientComments,omitempty"`
}

type PublicItem struct {
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

type PublicContextResponse struct {
	Proof PublicProof `json:"proof"`
	Order struct {
		Number string `json:"number"`
		Status string `json:"status"`
	} `json:"order"`
	Client struct {
		Name    string `json:"name"`
		Company string `json:"company,omitempty"`
	} `json:"client"`
	Items      []PublicItem `json:"items"`
	Latest     bool         `json:"latest"`
	Decided    bool         `json:"decided"`
	Reviewable bool         `json:"reviewable"`
}

// Staff payloads

type ProofResponse struct {
	domain.Proof
	Latest bool   `json:"latest"`
	Link   string `json:"link"`
}

type UploadResponse struct {
	ID              string `json:"id"`
	OrderID         string `json:"order_id"`
	Version         int    `json:"version"`
	Status          string `json:"status"`
	ApprovalToken   string `json:"approval_token"`
	ValidationToken string `json:"validation_token"`
	PageCount       *int   `json:"page_count,omitempty"`
}

type OrderVersionsResponse struct {
	Order    domain.Order    `json:"order"`
	Versions []ProofResponse `json:"versions"`
}

type LinkResponse struct {
	ProofID string `json:"proof_id"`
	Link    string `json:"link"`
}

type DeliveryResponse struct {
	NotificationID string `json:"notification_id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

type SendResponse struct {
	Proof    domain.Proof     `json:"proof"`
	Link     string           `json:"link"`
	Delivery DeliveryResponse `json:"delivery"`
	Warnings []string         `json:"warnings,omitempty"`
}

type HistoryResponse struct {
	Items []domain.HistoryEntry `json:"items"`
}

type NotificationsResponse struct {
	Items []domain.Notification `json:"items"`
}

func publicContext(pc domain.ProofContext) PublicContextResponse {
	var out PublicContextResponse
	p := pc.Proof
	out.Proof = PublicProof{
		ID:             p.ID,
		Version:        p.Version,
		Status:         string(p.Status),
		StatusCode:     p.Status.Code(),
		FileName:       p.FileName,
		ContentType:    p.ContentType,
		PageCount:      p.PageCount,
		FileURL:        pc.FileURL,
		SentAt:         p.SentAt,
		DecidedAt:      p.DecidedAt,
		ApproverName:   p.ApproverName,
		ClientComments: p.ClientComments,
	}
	out.Order.Number = pc.Order.Number
	out.Order.Status = pc.Order.Status
	out.Client.Name = pc.Client.Name
	out.Client.Company = pc.Client.Company
	out.Items = make([]PublicItem, 0, len(pc.Items))
	for _, it := range pc.Items {
		out.Items = append(out.Items, PublicItem{Description: it.Description, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents})
	}
	out.Latest = pc.Latest
	out.Decided = p.Status.Terminal()
	out.Reviewable = pc.Latest && p.Status == domain.ProofSentToClient
	return out
}

func ackResponse(a engine.Ack) AckResponse {
	out := AckResponse{
		Success:        a.Success,
		NewStatus:      string(a.NewStatus),
		AlreadyDecided: a.AlreadyDecided,
		CurrentStatus:  string(a.CurrentStatus),
		Warnings:       a.Warnings,
	}
	if !a.Success {
		out.Error = a.Message
	}
	return out
}

func proofResponse(v engine.Version) ProofResponse {
	return ProofResponse{Proof: v.Proof, Latest: v.Latest, Link: v.Link}
}

func sendResponse(res engine.SendResult) SendResponse {
	out := SendResponse{
		Proof: res.Proof,
		Link:  res.Link,
		Delivery: DeliveryResponse{
			NotificationID: res.Notification.ID,
			Status:         res.Notification.Status,
			Error:          res.DeliveryError,
		},
	}
	for _, pf := range res.PartialFailures {
		out.Warnings = append(out.Warnings, pf.Step+" needs manual follow-up")
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
