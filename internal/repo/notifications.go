package repo

import (
	"context"
	"database/sql"

	"proofline/internal/domain"
)

const notificationColumns = `id,proof_id,order_id,channel,recipient,link,status,attempts,last_error,created_at,updated_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var lastErr sql.NullString
	err := row.Scan(&n.ID, &n.ProofID, &n.OrderID, &n.Channel, &n.Recipient, &n.Link, &n.Status, &n.Attempts, &lastErr, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	n.LastError = stringPtr(lastErr)
	return n, err
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.exec(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.ProofID, n.OrderID, n.Channel, n.Recipient, n.Link, n.Status, n.Attempts, nullableStringPtr(n.LastError), n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.queryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

// RecordDeliveryAttempt stores the outcome of one delivery attempt. An empty
// lastError clears the previous one.
func (r Repo) RecordDeliveryAttempt(ctx context.Context, id, status, lastError, updatedAt string) error {
	res, err := r.exec(ctx, `UPDATE notifications SET status=?, attempts=attempts+1, last_error=?, updated_at=? WHERE id=?`,
		status, nullable(lastError), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotificationQueued flags a notification as handed to the job queue.
func (r Repo) MarkNotificationQueued(ctx context.Context, id, updatedAt string) error {
	_, err := r.exec(ctx, `UPDATE notifications SET status=?, updated_at=? WHERE id=?`, domain.NotificationQueued, updatedAt, id)
	return err
}

// ListNotifications returns a proof's notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, proofID string) ([]domain.Notification, error) {
	rows, err := r.query(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE proof_id=? ORDER BY created_at DESC, id DESC`, proofID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
