// Package history appends audit entries for proofs and orders. Entries are
// never updated or deleted.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proofline/internal/db"
	"proofline/internal/domain"
)

type Metadata map[string]any

// Entry is what a caller supplies; ids and sequence are assigned on append.
// A zero At takes the writer's clock.
type Entry struct {
	At           time.Time
	OrderID      string
	ProofID      string
	Type         string
	Description  string
	ClientAction bool
	ActorID      string
	Metadata     Metadata
}

// maxAppendAttempts bounds retries when two writers take the same seq.
const maxAppendAttempts = 5

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

func (w Writer) Append(ctx context.Context, e Entry) (domain.HistoryEntry, error) {
	if e.OrderID == "" || e.Type == "" {
		return domain.HistoryEntry{}, errors.New("history entry needs order and type")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.At.IsZero() {
		e.At = w.Now()
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("marshal history metadata: %w", err)
	}
	h := domain.HistoryEntry{
		ID:           uuid.NewString(),
		OrderID:      e.OrderID,
		Type:         e.Type,
		Description:  e.Description,
		ClientAction: e.ClientAction,
		ActorID:      e.ActorID,
		Metadata:     e.Metadata,
		CreatedAt:    e.At.UTC().Format(time.RFC3339),
	}
	if e.ProofID != "" {
		h.ProofID = &e.ProofID
	}
	query := w.Dialect.Rebind(`INSERT INTO history(id,seq,order_id,proof_id,type,description,client_action,actor_id,metadata_json,created_at)
VALUES (?,(SELECT COALESCE(MAX(seq),0)+1 FROM history),?,?,?,?,?,?,?,?)
RETURNING seq`)
	for attempt := 1; ; attempt++ {
		err = w.DB.QueryRowContext(ctx, query,
			h.ID, h.OrderID, nullable(e.ProofID), h.Type, h.Description, h.ClientAction, h.ActorID, string(data), h.CreatedAt).Scan(&h.Seq)
		if err == nil {
			break
		}
		if !db.IsUniqueViolation(err) || attempt == maxAppendAttempts {
			return domain.HistoryEntry{}, fmt.Errorf("append history: %w", err)
		}
	}
	return h, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
