package engine

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"proofline/internal/config"
	"proofline/internal/db"
	"proofline/internal/domain"
	"proofline/internal/history"
	"proofline/internal/notify"
	"proofline/internal/repo"
	"proofline/internal/storage"
	"proofline/internal/token"
)

// OrderStatusWriter is the contract with order management: the only order
// field this service writes is its status.
type OrderStatusWriter interface {
	UpdateOrderStatus(ctx context.Context, orderID, status, updatedAt string) error
}

type HistoryAppender interface {
	Append(ctx context.Context, e history.Entry) (domain.HistoryEntry, error)
}

// Engine applies proof workflow operations. Collaborators are plain fields so
// callers (and tests) can replace any of them.
type Engine struct {
	Repo       repo.Repo
	Orders     OrderStatusWriter
	History    HistoryAppender
	Issuer     token.Issuer
	Bucket     storage.Bucket
	Dispatcher notify.Dispatcher
	Config     *config.Config
	Log        *zap.Logger
	Now        func() time.Time
}

type Deps struct {
	DB         *sql.DB
	Dialect    db.Dialect
	Config     *config.Config
	Bucket     storage.Bucket
	Dispatcher notify.Dispatcher
	Issuer     token.Issuer
	Log        *zap.Logger
}

func New(d Deps) Engine {
	r := repo.Repo{DB: d.DB, Dialect: d.Dialect}
	issuer := d.Issuer
	if issuer == nil {
		issuer = token.Random{}
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Repo:       r,
		Orders:     r,
		History:    history.Writer{DB: d.DB, Dialect: d.Dialect},
		Issuer:     issuer,
		Bucket:     d.Bucket,
		Dispatcher: d.Dispatcher,
		Config:     cfg,
		Log:        log,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// PublicLink is the URL emailed to the client for a token.
func (e Engine) PublicLink(tok string) string {
	base := strings.TrimRight(e.Config.Public.BaseURL, "/")
	return base + e.Config.Public.Path + "/" + url.PathEscape(tok)
}

func (e Engine) isLatest(ctx context.Context, p domain.Proof) (bool, error) {
	latest, err := e.Repo.LatestVersion(ctx, p.OrderID)
	if err != nil {
		return false, err
	}
	return p.Version == latest, nil
}

func strPtr(s string) *string {
	return &s
}
