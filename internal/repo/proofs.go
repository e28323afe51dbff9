package repo

import (
	"context"
	"database/sql"

	"proofline/internal/domain"
)

const proofColumns = `id,order_id,version,status,file_key,file_name,content_type,size_bytes,page_count,approval_token,validation_token,client_comments,approver_name,decided_at,sent_at,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (domain.Proof, error) {
	var p domain.Proof
	var status string
	var pageCount sql.NullInt64
	var comments, approver, decidedAt, sentAt sql.NullString
	err := row.Scan(&p.ID, &p.OrderID, &p.Version, &status, &p.FileKey, &p.FileName, &p.ContentType, &p.SizeBytes, &pageCount,
		&p.ApprovalToken, &p.ValidationToken, &comments, &approver, &decidedAt, &sentAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ProofStatus(status)
	if pageCount.Valid {
		n := int(pageCount.Int64)
		p.PageCount = &n
	}
	p.ClientComments = stringPtr(comments)
	p.ApproverName = stringPtr(approver)
	p.DecidedAt = stringPtr(decidedAt)
	p.SentAt = stringPtr(sentAt)
	return p, nil
}

// Token kinds stored in proof_tokens.
const (
	TokenApproval   = "approval"
	TokenValidation = "validation"
)

// InsertNextProof inserts p as the next version of its order and returns the
// assigned version. The version is computed inside the statement; concurrent
// writers that race to the same number hit UNIQUE(order_id, version) and get
// a unique violation back. Both tokens go into proof_tokens in the same
// transaction, so a token already held by any proof, under either kind, is a
// unique violation too.
func (r Repo) InsertNextProof(ctx context.Context, p domain.Proof) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var version int
	err = tx.QueryRowContext(ctx, r.Dialect.Rebind(`INSERT INTO proofs(`+proofColumns+`)
VALUES (?,?,(SELECT COALESCE(MAX(version),0)+1 FROM proofs WHERE order_id=?),?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
RETURNING version`),
		p.ID, p.OrderID, p.OrderID, string(p.Status), p.FileKey, p.FileName, p.ContentType, p.SizeBytes, nullableIntPtr(p.PageCount),
		p.ApprovalToken, p.ValidationToken, nullableStringPtr(p.ClientComments), nullableStringPtr(p.ApproverName),
		nullableStringPtr(p.DecidedAt), nullableStringPtr(p.SentAt), p.CreatedBy, p.CreatedAt, p.UpdatedAt).Scan(&version)
	if err != nil {
		return 0, err
	}
	insertToken := r.Dialect.Rebind(`INSERT INTO proof_tokens(token,proof_id,kind) VALUES (?,?,?)`)
	for _, t := range [][2]string{{p.ApprovalToken, TokenApproval}, {p.ValidationToken, TokenValidation}} {
		if _, err := tx.ExecContext(ctx, insertToken, t[0], p.ID, t[1]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.Proof, error) {
	return scanProof(r.queryRow(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=?`, id))
}

// GetProofByToken resolves an approval or validation token. A token belongs
// to exactly one proof.
func (r Repo) GetProofByToken(ctx context.Context, token string) (domain.Proof, error) {
	if token == "" {
		return domain.Proof{}, ErrNotFound
	}
	return scanProof(r.queryRow(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=(SELECT proof_id FROM proof_tokens WHERE token=?)`, token))
}

// ListProofs returns every version of an order, newest first.
func (r Repo) ListProofs(ctx context.Context, orderID string) ([]domain.Proof, error) {
	rows, err := r.query(ctx, `SELECT `+proofColumns+` FROM proofs WHERE order_id=? ORDER BY version DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// LatestVersion returns the highest version for the order, 0 when none exists.
func (r Repo) LatestVersion(ctx context.Context, orderID string) (int, error) {
	var v int
	err := r.queryRow(ctx, `SELECT COALESCE(MAX(version),0) FROM proofs WHERE order_id=?`, orderID).Scan(&v)
	return v, err
}

// ProofTransition describes the fields written by a status change. Nil
// pointers leave the column untouched.
type ProofTransition struct {
	To             domain.ProofStatus
	ApproverName   *string
	ClientComments *string
	DecidedAt      *string
	SentAt         *string
	UpdatedAt      string
}

// TransitionProof moves a proof from one status to another only if it is
// still in the expected status. It reports whether the row changed, which is
// what makes concurrent and repeated decisions single-shot.
func (r Repo) TransitionProof(ctx context.Context, id string, from domain.ProofStatus, t ProofTransition) (bool, error) {
	res, err := r.exec(ctx, `UPDATE proofs SET status=?,
approver_name=COALESCE(?, approver_name),
client_comments=COALESCE(?, client_comments),
decided_at=COALESCE(?, decided_at),
sent_at=COALESCE(?, sent_at),
updated_at=?
WHERE id=? AND status=?`,
		string(t.To), nullableStringPtr(t.ApproverName), nullableStringPtr(t.ClientComments), nullableStringPtr(t.DecidedAt),
		nullableStringPtr(t.SentAt), t.UpdatedAt, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
