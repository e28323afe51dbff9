package prooflinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal proofline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// ProofContext is what a client sees when opening a proof link.
type ProofContext struct {
	Proof struct {
		ID             string  `json:"id"`
		Version        int     `json:"version"`
		Status         string  `json:"status"`
		StatusCode     string  `json:"statusCode"`
		FileName       string  `json:"fileName"`
		ContentType    string  `json:"contentType"`
		PageCount      *int    `json:"pageCount"`
		FileURL        string  `json:"fileUrl"`
		ApproverName   *string `json:"approverName"`
		ClientComments *string `json:"clientComments"`
	} `json:"proof"`
	Order struct {
		Number string `json:"number"`
		Status string `json:"status"`
	} `json:"order"`
	Client struct {
		Name    string `json:"name"`
		Company string `json:"company"`
	} `json:"client"`
	Items []struct {
		Description    string `json:"description"`
		Quantity       int    `json:"quantity"`
		UnitPriceCents int64  `json:"unitPriceCents"`
	} `json:"items"`
	Latest     bool `json:"latest"`
	Decided    bool `json:"decided"`
	Reviewable bool `json:"reviewable"`
}

// Decision is the public decision payload.
type Decision struct {
	Decision     string `json:"decision"`
	ClientName   string `json:"clientName,omitempty"`
	Comments     string `json:"comments,omitempty"`
	Confirmation string `json:"confirmation,omitempty"`
}

type Ack struct {
	Success        bool     `json:"success"`
	NewStatus      string   `json:"newStatus"`
	AlreadyDecided bool     `json:"alreadyDecided"`
	CurrentStatus  string   `json:"currentStatus"`
	Error          string   `json:"error"`
	Warnings       []string `json:"warnings"`
}

// Proof is the staff view of one version.
type Proof struct {
	ID              string  `json:"id"`
	OrderID         string  `json:"order_id"`
	Version         int     `json:"version"`
	Status          string  `json:"status"`
	FileName        string  `json:"file_name"`
	ContentType     string  `json:"content_type"`
	SizeBytes       int64   `json:"size_bytes"`
	PageCount       *int    `json:"page_count"`
	ApprovalToken   string  `json:"approval_token"`
	ValidationToken string  `json:"validation_token"`
	ClientComments  *string `json:"client_comments"`
	ApproverName    *string `json:"approver_name"`
	DecidedAt       *string `json:"decided_at"`
	SentAt          *string `json:"sent_at"`
	Latest          bool    `json:"latest"`
	Link            string  `json:"link"`
}

type UploadedProof struct {
	ID              string `json:"id"`
	OrderID         string `json:"order_id"`
	Version         int    `json:"version"`
	Status          string `json:"status"`
	ApprovalToken   string `json:"approval_token"`
	ValidationToken string `json:"validation_token"`
	PageCount       *int   `json:"page_count"`
}

type OrderVersions struct {
	Order struct {
		ID     string `json:"id"`
		Number string `json:"number"`
		Status string `json:"status"`
	} `json:"order"`
	Versions []Proof `json:"versions"`
}

type SendResult struct {
	Proof    Proof  `json:"proof"`
	Link     string `json:"link"`
	Delivery struct {
		NotificationID string `json:"notification_id"`
		Status         string `json:"status"`
		Error          string `json:"error"`
	} `json:"delivery"`
	Warnings []string `json:"warnings"`
}

type HistoryEntry struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	OrderID      string         `json:"order_id"`
	ProofID      *string        `json:"proof_id"`
	Type         string         `json:"type"`
	Description  string         `json:"description"`
	ClientAction bool           `json:"client_action"`
	ActorID      string         `json:"actor_id"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    string         `json:"created_at"`
}

type Notification struct {
	ID        string  `json:"id"`
	ProofID   string  `json:"proof_id"`
	Recipient string  `json:"recipient"`
	Link      string  `json:"link"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// ResolveProof opens a proof link by token.
func (c *Client) ResolveProof(ctx context.Context, token string) (ProofContext, error) {
	var resp ProofContext
	err := c.do(ctx, http.MethodGet, "public/proofs/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// ProofFile downloads the file behind a proof link into w.
func (c *Client) ProofFile(ctx context.Context, token string, w io.Writer) error {
	return c.send(ctx, http.MethodGet, "public/proofs/"+url.PathEscape(token)+"/file", "", nil, w)
}

// SubmitDecision approves a proof or requests a modification.
func (c *Client) SubmitDecision(ctx context.Context, token string, d Decision) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, "public/proofs/"+url.PathEscape(token)+"/decision", d, &resp)
	return resp, err
}

// UploadProof uploads fileName as the next version of an order.
func (c *Client) UploadProof(ctx context.Context, orderRef, fileName string, content io.Reader) (UploadedProof, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return UploadedProof{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return UploadedProof{}, err
	}
	if err := mw.Close(); err != nil {
		return UploadedProof{}, err
	}
	var resp UploadedProof
	err = c.send(ctx, http.MethodPost, "orders/"+url.PathEscape(orderRef)+"/proofs", mw.FormDataContentType(), &buf, &resp)
	return resp, err
}

func (c *Client) ListProofs(ctx context.Context, orderRef string) (OrderVersions, error) {
	var resp OrderVersions
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(orderRef)+"/proofs", nil, &resp)
	return resp, err
}

func (c *Client) GetProof(ctx context.Context, proofID string) (Proof, error) {
	var resp Proof
	err := c.do(ctx, http.MethodGet, "proofs/"+url.PathEscape(proofID), nil, &resp)
	return resp, err
}

func (c *Client) ProofLink(ctx context.Context, proofID string) (string, error) {
	var resp struct {
		Link string `json:"link"`
	}
	err := c.do(ctx, http.MethodGet, "proofs/"+url.PathEscape(proofID)+"/link", nil, &resp)
	return resp.Link, err
}

func (c *Client) SendProof(ctx context.Context, proofID string) (SendResult, error) {
	var resp SendResult
	err := c.do(ctx, http.MethodPost, "proofs/"+url.PathEscape(proofID)+"/send", nil, &resp)
	return resp, err
}

func (c *Client) ResendProof(ctx context.Context, proofID string) (SendResult, error) {
	var resp SendResult
	err := c.do(ctx, http.MethodPost, "proofs/"+url.PathEscape(proofID)+"/resend", nil, &resp)
	return resp, err
}

// History returns order history newest first.
func (c *Client) History(ctx context.Context, orderRef string, limit int) ([]HistoryEntry, error) {
	endpoint := "orders/" + url.PathEscape(orderRef) + "/history"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Notifications(ctx context.Context, proofID string) ([]Notification, error) {
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "proofs/"+url.PathEscape(proofID)+"/notifications", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	contentType := ""
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.send(ctx, method, endpoint, contentType, &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
