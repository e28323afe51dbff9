package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proofline/internal/db"
	"proofline/internal/domain"
	"proofline/internal/history"
	"proofline/internal/upload"
)

// maxInsertAttempts bounds retries on version or token conflicts.
const maxInsertAttempts = 5

type UploadInput struct {
	OrderRef string
	File     *upload.File
	ActorID  string
}

// UploadProof stores the file and then inserts it as the next version of the
// order with fresh tokens. Nothing is inserted if storing the file fails.
func (e Engine) UploadProof(ctx context.Context, in UploadInput) (domain.Proof, error) {
	if in.File == nil {
		return domain.Proof{}, &ValidationError{Field: "file", Message: "file is required"}
	}
	if in.ActorID == "" {
		return domain.Proof{}, &ValidationError{Field: "actor", Message: "actor is required"}
	}
	order, err := e.Repo.ResolveOrder(ctx, in.OrderRef)
	if err != nil {
		return domain.Proof{}, err
	}
	if e.Bucket == nil {
		return domain.Proof{}, errors.New("no proof storage configured")
	}
	if in.File.Size > e.Config.Uploads.MaxBytes {
		return domain.Proof{}, &UploadRejectedError{Constraint: "max_bytes", Message: fmt.Sprintf("file exceeds the %d MB limit", e.Config.Uploads.MaxBytes>>20)}
	}

	now := e.timestamp()
	p := domain.Proof{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		Status:      domain.ProofPreparing,
		FileName:    in.File.Name,
		ContentType: in.File.ContentType,
		SizeBytes:   in.File.Size,
		PageCount:   in.File.PageCount,
		CreatedBy:   in.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.FileKey = fmt.Sprintf("proofs/%s/%s/%s", order.ID, p.ID, p.FileName)
	r, err := in.File.Reader()
	if err != nil {
		return domain.Proof{}, err
	}
	if err := e.Bucket.Put(ctx, p.FileKey, r, p.SizeBytes, p.ContentType); err != nil {
		return domain.Proof{}, fmt.Errorf("store proof file: %w", err)
	}

	if err := e.insertVersion(ctx, &p); err != nil {
		return domain.Proof{}, err
	}

	if _, err := e.History.Append(ctx, history.Entry{
		At:          e.now(),
		OrderID:     order.ID,
		ProofID:     p.ID,
		Type:        domain.HistoryUploaded,
		Description: fmt.Sprintf("Épreuve v%d téléversée (%s)", p.Version, p.FileName),
		ActorID:     in.ActorID,
		Metadata: history.Metadata{
			"version":      p.Version,
			"file_name":    p.FileName,
			"content_type": p.ContentType,
			"size_bytes":   p.SizeBytes,
		},
	}); err != nil {
		e.log().Error("history append failed after upload",
			zap.String("proof_id", p.ID), zap.String("order_id", order.ID), zap.Error(err))
	}
	e.log().Info("proof uploaded",
		zap.String("proof_id", p.ID),
		zap.String("order_id", order.ID),
		zap.Int("version", p.Version),
		zap.String("actor_id", in.ActorID))
	return p, nil
}

// insertVersion issues tokens and inserts p, retrying when another writer
// took the same version number or a token collided.
func (e Engine) insertVersion(ctx context.Context, p *domain.Proof) error {
	var lastErr error
	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		approval, err := e.Issuer.Issue()
		if err != nil {
			return err
		}
		validation, err := e.Issuer.Issue()
		if err != nil {
			return err
		}
		if approval == validation {
			lastErr = errors.New("issuer returned identical tokens")
			continue
		}
		p.ApprovalToken, p.ValidationToken = approval, validation
		version, err := e.Repo.InsertNextProof(ctx, *p)
		if err == nil {
			p.Version = version
			return nil
		}
		if !db.IsUniqueViolation(err) {
			return fmt.Errorf("insert proof: %w", err)
		}
		lastErr = err
		e.log().Warn("proof insert conflict, retrying",
			zap.String("order_id", p.OrderID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("insert proof after %d attempts: %w", maxInsertAttempts, lastErr)
}
