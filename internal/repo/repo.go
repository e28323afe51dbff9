package repo

import (
	"context"
	"database/sql"
	"errors"

	"proofline/internal/db"
	"proofline/internal/domain"
)

// Repo reads and writes proofline tables. Queries use ? placeholders and are
// rebound for the configured dialect.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

func (r Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.DB.ExecContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.DB.QueryContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.DB.QueryRowContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.exec(ctx, `INSERT INTO clients(id,name,company,email,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Company), nullable(c.Email), c.CreatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	var c domain.Client
	err := r.queryRow(ctx, `SELECT id,name,COALESCE(company,''),COALESCE(email,''),created_at FROM clients WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Company, &c.Email, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertOrder(ctx context.Context, o domain.Order, items []domain.OrderItem) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.Dialect.Rebind(`INSERT INTO orders(id,number,client_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`),
		o.ID, o.Number, o.ClientID, o.Status, o.CreatedAt, o.UpdatedAt); err != nil {
		return err
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, r.Dialect.Rebind(`INSERT INTO order_items(id,order_id,position,description,quantity,unit_price_cents) VALUES (?,?,?,?,?,?)`),
			it.ID, o.ID, it.Position, it.Description, it.Quantity, it.UnitPriceCents); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const orderColumns = `id,number,client_id,status,created_at,updated_at`

func scanOrder(row *sql.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.Number, &o.ClientID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	return scanOrder(r.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE number=?`, number))
}

// ResolveOrder accepts either an order id or an order number.
func (r Repo) ResolveOrder(ctx context.Context, ref string) (domain.Order, error) {
	o, err := r.GetOrder(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return r.GetOrderByNumber(ctx, ref)
	}
	return o, err
}

// UpdateOrderStatus is the only write this service makes to orders.
func (r Repo) UpdateOrderStatus(ctx context.Context, orderID, status, updatedAt string) error {
	res, err := r.exec(ctx, `UPDATE orders SET status=?, updated_at=? WHERE id=?`, status, updatedAt, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.query(ctx, `SELECT id,order_id,position,description,quantity,unit_price_cents FROM order_items WHERE order_id=? ORDER BY position, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Position, &it.Description, &it.Quantity, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
