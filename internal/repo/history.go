package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"proofline/internal/domain"
)

// ListHistory returns the order's history newest first. limit <= 0 means all.
func (r Repo) ListHistory(ctx context.Context, orderID string, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT id,seq,order_id,proof_id,type,description,client_action,actor_id,metadata_json,created_at FROM history WHERE order_id=? ORDER BY seq DESC, id DESC`
	args := []any{orderID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var proofID sql.NullString
		var meta string
		if err := rows.Scan(&h.ID, &h.Seq, &h.OrderID, &proofID, &h.Type, &h.Description, &h.ClientAction, &h.ActorID, &meta, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.ProofID = stringPtr(proofID)
		if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
			return nil, fmt.Errorf("history %s metadata: %w", h.ID, err)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CountHistory counts entries of one type for a proof.
func (r Repo) CountHistory(ctx context.Context, proofID, typ string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM history WHERE proof_id=? AND type=?`, proofID, typ).Scan(&n)
	return n, err
}
