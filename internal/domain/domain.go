package domain

// ProofStatus values are stored verbatim; the shop reads them in French.
type ProofStatus string

const (
	ProofPreparing             ProofStatus = "En préparation"
	ProofSentToClient          ProofStatus = "Envoyée au client"
	ProofApproved              ProofStatus = "Approuvée"
	ProofModificationRequested ProofStatus = "Modification demandée"
)

// Terminal reports whether no further client decision can apply.
func (s ProofStatus) Terminal() bool {
	return s == ProofApproved || s == ProofModificationRequested
}

// Code is the machine-readable form used by API clients.
func (s ProofStatus) Code() string {
	switch s {
	case ProofPreparing:
		return "preparing"
	case ProofSentToClient:
		return "sent_to_client"
	case ProofApproved:
		return "approved"
	case ProofModificationRequested:
		return "modification_requested"
	}
	return "unknown"
}

const (
	OrderAwaitingProof = "En attente de l'épreuve"
	OrderInProduction  = "En production"
	OrderCompleted     = "Complétée"
)

// History entry types.
const (
	HistoryUploaded              = "uploaded"
	HistorySent                  = "sent"
	HistoryResent                = "resent"
	HistoryApproved              = "approved"
	HistoryModificationRequested = "modification_requested"
)

// Notification statuses.
const (
	NotificationPending = "pending"
	NotificationQueued  = "queued"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Company   string `json:"company,omitempty"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Order struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	ClientID  string `json:"client_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type OrderItem struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	Position       int    `json:"position"`
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Proof struct {
	ID              string      `json:"id"`
	OrderID         string      `json:"order_id"`
	Version         int         `json:"version" minimum:"1"`
	Status          ProofStatus `json:"status"`
	FileKey         string      `json:"file_key"`
	FileName        string      `json:"file_name"`
	ContentType     string      `json:"content_type"`
	SizeBytes       int64       `json:"size_bytes"`
	PageCount       *int        `json:"page_count,omitempty"`
	ApprovalToken   string      `json:"approval_token"`
	ValidationToken string      `json:"validation_token"`
	ClientComments  *string     `json:"client_comments,omitempty"`
	ApproverName    *string     `json:"approver_name,omitempty"`
	DecidedAt       *string     `json:"decided_at,omitempty" format:"date-time"`
	SentAt          *string     `json:"sent_at,omitempty" format:"date-time"`
	CreatedBy       string      `json:"created_by"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

type HistoryEntry struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	OrderID      string         `json:"order_id"`
	ProofID      *string        `json:"proof_id,omitempty"`
	Type         string         `json:"type" enum:"uploaded,sent,resent,approved,modification_requested"`
	Description  string         `json:"description"`
	ClientAction bool           `json:"client_action"`
	ActorID      string         `json:"actor_id"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        string  `json:"id"`
	ProofID   string  `json:"proof_id"`
	OrderID   string  `json:"order_id"`
	Channel   string  `json:"channel"`
	Recipient string  `json:"recipient"`
	Link      string  `json:"link"`
	Status    string  `json:"status" enum:"pending,queued,sent,failed"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// ProofContext is everything a client needs to review one proof version.
type ProofContext struct {
	Proof   Proof
	Order   Order
	Client  Client
	Items   []OrderItem
	Latest  bool
	FileURL string
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
