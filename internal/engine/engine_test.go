package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"proofline/internal/config"
	"proofline/internal/db"
	"proofline/internal/domain"
	"proofline/internal/engine"
	"proofline/internal/migrate"
	"proofline/internal/notify"
	"proofline/internal/storage"
	"proofline/internal/token"
	"proofline/internal/upload"
	"proofline/internal/upload/uploadtest"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	fail error
}

func (m *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Mailer *fakeMailer
	Logs   *observer.ObservedLogs
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	conn, dialect, err := db.Open(ctx, db.Config{Driver: "sqlite", Path: filepath.Join(dir, "proofline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Public.BaseURL = "https://imprimerie.example"
	core, logs := observer.New(zapcore.DebugLevel)
	mailer := &fakeMailer{}
	eng := engine.New(engine.Deps{
		DB:         conn,
		Dialect:    dialect,
		Config:     cfg,
		Bucket:     storage.Dir{Root: filepath.Join(dir, "files")},
		Dispatcher: notify.Direct{Mailer: mailer},
		Log:        zap.New(core),
	})
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx, Mailer: mailer, Logs: logs}
}

func (env testEnv) createOrder(t *testing.T, number string) domain.Order {
	t.Helper()
	o, err := env.Engine.CreateOrder(env.Ctx, engine.CreateOrderInput{
		Number:      number,
		ClientName:  "Jean Dupont",
		ClientEmail: "jean.dupont@example.com",
		Items:       []engine.OrderItemInput{{Description: "Cartes de visite", Quantity: 500, UnitPriceCents: 12}},
	})
	if err != nil {
		t.Fatalf("create order %s: %v", number, err)
	}
	return o
}

func (env testEnv) spool(data []byte, name string) (*upload.File, error) {
	cfg := env.Engine.Config
	return upload.Spool(bytes.NewReader(data), name, upload.Limits{MaxBytes: cfg.Uploads.MaxBytes, AllowedTypes: cfg.Uploads.AllowedTypes})
}

func (env testEnv) upload(t *testing.T, orderRef string) domain.Proof {
	t.Helper()
	f, err := env.spool(uploadtest.PDF(1), "epreuve.pdf")
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	defer f.Close()
	p, err := env.Engine.UploadProof(env.Ctx, engine.UploadInput{OrderRef: orderRef, File: f, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("upload for %s: %v", orderRef, err)
	}
	return p
}

func (env testEnv) send(t *testing.T, proofID string) engine.SendResult {
	t.Helper()
	res, err := env.Engine.SendProof(env.Ctx, proofID, "staff-1")
	if err != nil {
		t.Fatalf("send %s: %v", proofID, err)
	}
	return res
}

func (env testEnv) historyOfType(t *testing.T, orderID, typ string) []domain.HistoryEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, orderID, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	var out []domain.HistoryEntry
	for _, h := range entries {
		if h.Type == typ {
			out = append(out, h)
		}
	}
	return out
}

func TestApprovalScenario(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-100")

	p := env.upload(t, "ORD-100")
	if p.Version != 1 || p.Status != domain.ProofPreparing {
		t.Fatalf("expected v1 preparing, got v%d %s", p.Version, p.Status)
	}
	if p.ApprovalToken == "" || p.ValidationToken == "" || p.ApprovalToken == p.ValidationToken {
		t.Fatalf("expected two distinct tokens, got %q %q", p.ApprovalToken, p.ValidationToken)
	}
	if p.PageCount == nil || *p.PageCount != 1 {
		t.Fatalf("expected page count 1")
	}

	sent := env.send(t, p.ID)
	if sent.Proof.Status != domain.ProofSentToClient {
		t.Fatalf("expected sent status, got %s", sent.Proof.Status)
	}
	if sent.Link != "https://imprimerie.example/epreuve/"+p.ApprovalToken {
		t.Fatalf("unexpected link %s", sent.Link)
	}
	if sent.Notification.Status != domain.NotificationSent || sent.DeliveryError != "" {
		t.Fatalf("expected delivered notification, got %+v", sent.Notification)
	}
	if env.Mailer.count() != 1 || !strings.Contains(env.Mailer.sent[0].Text, sent.Link) {
		t.Fatalf("expected one email carrying the link")
	}
	if got := env.historyOfType(t, order.ID, domain.HistorySent); len(got) != 1 {
		t.Fatalf("expected one sent entry, got %d", len(got))
	}

	pc, err := env.Engine.Resolve(env.Ctx, p.ApprovalToken)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pc.Order.Number != "ORD-100" || pc.Proof.Version != 1 || !pc.Latest {
		t.Fatalf("unexpected context %+v", pc)
	}
	if pc.Client.Name != "Jean Dupont" || len(pc.Items) != 1 {
		t.Fatalf("context missing client or items: %+v", pc)
	}
	if pc.FileURL != "" {
		t.Fatalf("dir storage must not expose a file url, got %q", pc.FileURL)
	}
	_, rc, err := env.Engine.OpenProofFile(env.Ctx, p.ValidationToken)
	if err != nil {
		t.Fatalf("open proof file: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("unexpected proof file content %q", data[:min(len(data), 16)])
	}

	ack, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approve", ClientName: "Jean Dupont"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !ack.Success || ack.NewStatus != domain.ProofApproved {
		t.Fatalf("expected approved ack, got %+v", ack)
	}
	gotOrder, err := env.Engine.Repo.GetOrder(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotOrder.Status != domain.OrderInProduction {
		t.Fatalf("expected order in production, got %s", gotOrder.Status)
	}
	approved := env.historyOfType(t, order.ID, domain.HistoryApproved)
	if len(approved) != 1 || !approved[0].ClientAction {
		t.Fatalf("expected one client approved entry, got %+v", approved)
	}
	stored, _ := env.Engine.Repo.GetProof(env.Ctx, p.ID)
	if stored.ApproverName == nil || *stored.ApproverName != "Jean Dupont" || stored.DecidedAt == nil {
		t.Fatalf("approver or decision time not stored: %+v", stored)
	}

	again, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approve", ClientName: "Jean Dupont"})
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if again.Success || !again.AlreadyDecided || again.CurrentStatus != domain.ProofApproved {
		t.Fatalf("expected already decided, got %+v", again)
	}
	if got := env.historyOfType(t, order.ID, domain.HistoryApproved); len(got) != 1 {
		t.Fatalf("duplicate approved entry: %d", len(got))
	}
}

func TestModificationScenario(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-101")
	v1 := env.upload(t, "ORD-101")
	env.send(t, v1.ID)

	res, err := env.Engine.Decide(env.Ctx, v1.ValidationToken, domain.RequestModification{Comments: "Corriger le logo"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !res.Applied() || res.Status != domain.ProofModificationRequested {
		t.Fatalf("expected modification requested, got %+v", res)
	}
	gotOrder, _ := env.Engine.Repo.GetOrder(env.Ctx, order.ID)
	if gotOrder.Status != domain.OrderAwaitingProof {
		t.Fatalf("order status must not change, got %s", gotOrder.Status)
	}

	v2 := env.upload(t, "ORD-101")
	if v2.Version != 2 || v2.Status != domain.ProofPreparing {
		t.Fatalf("expected v2 preparing, got v%d %s", v2.Version, v2.Status)
	}
	if v2.ApprovalToken == v1.ApprovalToken || v2.ValidationToken == v1.ValidationToken {
		t.Fatalf("v2 must get fresh tokens")
	}
	old, _ := env.Engine.Repo.GetProof(env.Ctx, v1.ID)
	if old.Status != domain.ProofModificationRequested || old.ClientComments == nil || *old.ClientComments != "Corriger le logo" {
		t.Fatalf("v1 must keep its decision, got %+v", old)
	}
	if old.FileKey != v1.FileKey {
		t.Fatalf("v1 file reference changed")
	}

	_, versions, err := env.Engine.ListVersions(env.Ctx, "ORD-101")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 || versions[0].Proof.Version != 2 || !versions[0].Latest || versions[1].Latest {
		t.Fatalf("expected newest first with latest flagged, got %+v", versions)
	}
}

func TestDecisionRejectedUnlessSent(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-200")
	p := env.upload(t, "ORD-200")
	res, err := env.Engine.Decide(env.Ctx, p.ApprovalToken, domain.Approve{ClientName: "Jean"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Applied() || res.Reason != engine.ReasonNotSent || res.Status != domain.ProofPreparing {
		t.Fatalf("expected not_sent rejection, got %+v", res)
	}
	stored, _ := env.Engine.Repo.GetProof(env.Ctx, p.ID)
	if stored.Status != domain.ProofPreparing {
		t.Fatalf("state mutated: %s", stored.Status)
	}
}

func TestDecisionOnSupersededVersion(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-201")
	v1 := env.upload(t, "ORD-201")
	env.send(t, v1.ID)
	env.upload(t, "ORD-201")

	res, err := env.Engine.Decide(env.Ctx, v1.ApprovalToken, domain.Approve{ClientName: "Jean"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Applied() || res.Reason != engine.ReasonSuperseded || res.Status != domain.ProofSentToClient {
		t.Fatalf("expected superseded rejection, got %+v", res)
	}
	pc, err := env.Engine.Resolve(env.Ctx, v1.ApprovalToken)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pc.Latest {
		t.Fatalf("v1 must not be reported latest")
	}
}

func TestDecisionValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-202")
	p := env.upload(t, "ORD-202")
	env.send(t, p.ID)

	var verr *engine.ValidationError
	if _, err := env.Engine.Decide(env.Ctx, p.ApprovalToken, domain.Approve{ClientName: "   "}); !errors.As(err, &verr) || verr.Field != "clientName" {
		t.Fatalf("expected clientName validation error, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "request_modification"}); !errors.As(err, &verr) || verr.Field != "comments" {
		t.Fatalf("expected comments validation error, got %v", err)
	}
	stored, _ := env.Engine.Repo.GetProof(env.Ctx, p.ID)
	if stored.Status != domain.ProofSentToClient {
		t.Fatalf("invalid decisions must not change state, got %s", stored.Status)
	}
}

func TestConfirmationPhrase(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Approval.ConfirmationPhrase = "J'APPROUVE"
	env.createOrder(t, "ORD-203")
	p := env.upload(t, "ORD-203")
	env.send(t, p.ID)

	var verr *engine.ValidationError
	_, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approve", ClientName: "Jean"})
	if !errors.As(err, &verr) || verr.Field != "confirmation" {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	ack, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approved", ClientName: "Jean", Confirmation: "j'approuve"})
	if err != nil || !ack.Success {
		t.Fatalf("expected approval with phrase, got %+v %v", ack, err)
	}
}

func TestResolveUnknownTokens(t *testing.T) {
	env := newTestEnv(t)
	for _, tok := range []string{"", "does-not-exist", "../../etc/passwd"} {
		if _, err := env.Engine.Resolve(env.Ctx, tok); !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("token %q: expected not found, got %v", tok, err)
		}
		if _, err := env.Engine.SubmitDecision(env.Ctx, tok, engine.DecisionRequest{Decision: "approve", ClientName: "x"}); !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("token %q: expected not found on submit, got %v", tok, err)
		}
	}
}

func TestConcurrentUploadsNumberWithoutGaps(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-300")
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := env.spool(uploadtest.PDF(1), "epreuve.pdf")
			if err != nil {
				errs <- err
				return
			}
			defer f.Close()
			_, err = env.Engine.UploadProof(env.Ctx, engine.UploadInput{OrderRef: order.ID, File: f, ActorID: "staff"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
	}
	proofs, err := env.Engine.Repo.ListProofs(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(proofs) != n {
		t.Fatalf("expected %d proofs, got %d", n, len(proofs))
	}
	tokens := make(map[string]bool)
	for i, p := range proofs {
		if p.Version != n-i {
			t.Fatalf("expected version %d at %d, got %d", n-i, i, p.Version)
		}
		for _, tok := range []string{p.ApprovalToken, p.ValidationToken} {
			if tokens[tok] {
				t.Fatalf("token reused: %s", tok)
			}
			tokens[tok] = true
		}
	}
}

func TestTokenCollisionIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-301")
	seq := []string{"tok-a", "tok-b", "tok-a", "tok-c", "tok-d", "tok-e"}
	var mu sync.Mutex
	env.Engine.Issuer = token.IssuerFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next := seq[0]
		seq = seq[1:]
		return next, nil
	})
	first := env.upload(t, "ORD-301")
	if first.ApprovalToken != "tok-a" || first.ValidationToken != "tok-b" {
		t.Fatalf("unexpected first tokens %s %s", first.ApprovalToken, first.ValidationToken)
	}
	second := env.upload(t, "ORD-301")
	if second.ApprovalToken != "tok-d" || second.ValidationToken != "tok-e" || second.Version != 2 {
		t.Fatalf("expected retry with fresh tokens, got v%d %s %s", second.Version, second.ApprovalToken, second.ValidationToken)
	}
	if env.Logs.FilterMessage("proof insert conflict, retrying").Len() != 1 {
		t.Fatalf("expected one logged conflict")
	}
}

func TestTokensUniqueAcrossKinds(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-302")
	seq := []string{"tok-a", "tok-b", "tok-b", "tok-c", "tok-d", "tok-e"}
	var mu sync.Mutex
	env.Engine.Issuer = token.IssuerFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next := seq[0]
		seq = seq[1:]
		return next, nil
	})
	first := env.upload(t, "ORD-302")
	second := env.upload(t, "ORD-302")
	if second.ApprovalToken != "tok-d" || second.ValidationToken != "tok-e" || second.Version != 2 {
		t.Fatalf("a validation token must not be reissued as an approval token, got v%d %s %s",
			second.Version, second.ApprovalToken, second.ValidationToken)
	}
	pc, err := env.Engine.Resolve(env.Ctx, first.ValidationToken)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pc.Proof.ID != first.ID || pc.Proof.Version != 1 {
		t.Fatalf("token %s must keep resolving to v1, got v%d", first.ValidationToken, pc.Proof.Version)
	}
}

func TestUploadKeepsDottedFileName(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-303")
	f, err := env.spool(uploadtest.PDF(1), "logo..final.pdf")
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	defer f.Close()
	p, err := env.Engine.UploadProof(env.Ctx, engine.UploadInput{OrderRef: "ORD-303", File: f, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if p.FileName != "logo..final.pdf" {
		t.Fatalf("unexpected file name %q", p.FileName)
	}
	_, rc, err := env.Engine.OpenProofFile(env.Ctx, p.ApprovalToken)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rc.Close()
}

func TestHistoryUsesEngineClock(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-304")
	p := env.upload(t, "ORD-304")
	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC) }
	env.send(t, p.ID)
	uploaded := env.historyOfType(t, order.ID, domain.HistoryUploaded)
	sent := env.historyOfType(t, order.ID, domain.HistorySent)
	if len(uploaded) != 1 || uploaded[0].CreatedAt != "2026-03-01T09:00:00Z" {
		t.Fatalf("upload entry must carry the engine time, got %+v", uploaded)
	}
	if len(sent) != 1 || sent[0].CreatedAt != "2026-03-02T14:30:00Z" {
		t.Fatalf("send entry must carry the engine time, got %+v", sent)
	}
}

func TestSubmitDecisionResolvesTokenFirst(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-305")
	p := env.upload(t, "ORD-305")
	env.send(t, p.ID)

	if _, err := env.Engine.SubmitDecision(env.Ctx, "no-such-token", engine.DecisionRequest{Decision: "approve"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("unknown token with empty name: expected not found, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, "no-such-token", engine.DecisionRequest{}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("unknown token without decision: expected not found, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approve", ClientName: "Jean"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	ack, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approve"})
	if err != nil {
		t.Fatalf("a decided proof answers with its state before validating, got %v", err)
	}
	if ack.Success || !ack.AlreadyDecided || ack.CurrentStatus != domain.ProofApproved {
		t.Fatalf("expected already decided ack, got %+v", ack)
	}
}

type failingOrders struct{}

func (failingOrders) UpdateOrderStatus(context.Context, string, string, string) error {
	return errors.New("orders service unavailable")
}

func TestApproveLogsPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-400")
	p := env.upload(t, "ORD-400")
	env.send(t, p.ID)
	env.Engine.Orders = failingOrders{}

	res, err := env.Engine.Decide(env.Ctx, p.ApprovalToken, domain.Approve{ClientName: "Jean Dupont"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !res.Applied() || res.Status != domain.ProofApproved {
		t.Fatalf("decision itself must succeed, got %+v", res)
	}
	if len(res.PartialFailures) != 1 || res.PartialFailures[0].Step != "order_status" || res.PartialFailures[0].AttemptedStatus != domain.OrderInProduction {
		t.Fatalf("expected order_status partial failure, got %+v", res.PartialFailures)
	}
	logged := env.Logs.FilterMessage("partial failure: manual reconciliation required").All()
	if len(logged) != 1 {
		t.Fatalf("expected partial failure logged once, got %d", len(logged))
	}
	fields := logged[0].ContextMap()
	if fields["proof_id"] != p.ID || fields["order_id"] != order.ID || fields["attempted_status"] != domain.OrderInProduction {
		t.Fatalf("partial failure log lacks context: %v", fields)
	}
	if got := env.historyOfType(t, order.ID, domain.HistoryApproved); len(got) != 1 {
		t.Fatalf("history must still be written, got %d", len(got))
	}

	ack, err := env.Engine.SubmitDecision(env.Ctx, p.ApprovalToken, engine.DecisionRequest{Decision: "approve", ClientName: "Jean Dupont"})
	if err != nil || !ack.AlreadyDecided {
		t.Fatalf("expected already decided on retry, got %+v %v", ack, err)
	}
}

func TestCustomPostApprovalStatus(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Approval.PostApprovalOrderStatus = domain.OrderCompleted
	order := env.createOrder(t, "ORD-401")
	p := env.upload(t, "ORD-401")
	env.send(t, p.ID)
	res, err := env.Engine.Decide(env.Ctx, p.ApprovalToken, domain.Approve{ClientName: "Jean"})
	if err != nil || res.OrderStatus != domain.OrderCompleted {
		t.Fatalf("expected configured status, got %+v %v", res, err)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, order.ID)
	if got.Status != domain.OrderCompleted {
		t.Fatalf("order status %s", got.Status)
	}
}

func TestConcurrentDecisionsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-402")
	p := env.upload(t, "ORD-402")
	env.send(t, p.ID)

	const n = 6
	var wg sync.WaitGroup
	results := make(chan engine.DecisionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.Decide(env.Ctx, p.ApprovalToken, domain.Approve{ClientName: "Jean"})
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)
	applied := 0
	total := 0
	for res := range results {
		total++
		if res.Applied() {
			applied++
		} else if res.Reason != engine.ReasonAlreadyDecided {
			t.Fatalf("unexpected rejection %+v", res)
		}
	}
	if total != n || applied != 1 {
		t.Fatalf("expected exactly one applied of %d, got %d of %d", n, applied, total)
	}
	if got := env.historyOfType(t, order.ID, domain.HistoryApproved); len(got) != 1 {
		t.Fatalf("expected one approved entry, got %d", len(got))
	}
}

func TestDeliveryFailureThenResend(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-500")
	p := env.upload(t, "ORD-500")
	env.Mailer.fail = errors.New("smtp timeout")

	res, err := env.Engine.SendProof(env.Ctx, p.ID, "staff-1")
	if err != nil {
		t.Fatalf("send must succeed despite delivery failure: %v", err)
	}
	if res.Proof.Status != domain.ProofSentToClient {
		t.Fatalf("transition must stand, got %s", res.Proof.Status)
	}
	if res.Notification.Status != domain.NotificationFailed || res.DeliveryError != "smtp timeout" {
		t.Fatalf("expected failed notification, got %+v", res.Notification)
	}
	if env.Logs.FilterMessage("delivery failure: proof email not sent").Len() != 1 {
		t.Fatalf("delivery failure not logged")
	}

	env.Mailer.fail = nil
	again, err := env.Engine.ResendProof(env.Ctx, p.ID, "staff-1")
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if again.Notification.Status != domain.NotificationSent {
		t.Fatalf("expected sent on resend, got %+v", again.Notification)
	}
	notes, err := env.Engine.Notifications(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notes))
	}
	_, versions, _ := env.Engine.ListVersions(env.Ctx, order.ID)
	if len(versions) != 1 {
		t.Fatalf("resend must not create a version")
	}
	if got := env.historyOfType(t, order.ID, domain.HistoryResent); len(got) != 1 {
		t.Fatalf("expected resent entry")
	}
}

func TestSendRules(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-600")
	p := env.upload(t, "ORD-600")
	env.send(t, p.ID)

	var terr *engine.TransitionError
	if _, err := env.Engine.SendProof(env.Ctx, p.ID, "staff-1"); !errors.As(err, &terr) {
		t.Fatalf("second send must fail with transition error, got %v", err)
	}
	if _, err := env.Engine.ResendProof(env.Ctx, env.upload(t, "ORD-600").ID, "staff-1"); !errors.As(err, &terr) {
		t.Fatalf("resend of unsent proof must fail, got %v", err)
	}
	if _, err := env.Engine.SendProof(env.Ctx, p.ID, "staff-1"); !errors.As(err, &terr) || terr.Reason != "a newer version exists" {
		t.Fatalf("superseded proof must not be sent, got %v", err)
	}
	if _, err := env.Engine.SendProof(env.Ctx, "missing", "staff-1"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendRequiresClientEmail(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateOrder(env.Ctx, engine.CreateOrderInput{Number: "ORD-601", ClientName: "Sans Email"}); err != nil {
		t.Fatal(err)
	}
	p := env.upload(t, "ORD-601")
	var verr *engine.ValidationError
	if _, err := env.Engine.SendProof(env.Ctx, p.ID, "staff-1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := env.Engine.Repo.GetProof(env.Ctx, p.ID)
	if stored.Status != domain.ProofPreparing {
		t.Fatalf("proof must stay in preparation")
	}
}

type failingBucket struct{}

func (failingBucket) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("bucket offline")
}

func (failingBucket) URL(context.Context, string) (string, error) { return "", nil }

func TestFailedStorageLeavesNoVersion(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, "ORD-700")
	env.Engine.Bucket = failingBucket{}
	f, err := env.spool(uploadtest.PNG(), "logo.png")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := env.Engine.UploadProof(env.Ctx, engine.UploadInput{OrderRef: order.ID, File: f, ActorID: "staff"}); err == nil {
		t.Fatalf("expected storage error")
	}
	v, _ := env.Engine.Repo.LatestVersion(env.Ctx, order.ID)
	if v != 0 {
		t.Fatalf("no version row expected, got %d", v)
	}
}

func TestUploadUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.spool(uploadtest.PDF(2), "x.pdf")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := env.Engine.UploadProof(env.Ctx, engine.UploadInput{OrderRef: "ORD-404", File: f, ActorID: "staff"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateOrderRejectsDuplicateNumber(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "ORD-800")
	var verr *engine.ValidationError
	if _, err := env.Engine.CreateOrder(env.Ctx, engine.CreateOrderInput{Number: "ORD-800", ClientName: "X"}); !errors.As(err, &verr) {
		t.Fatalf("expected duplicate validation error, got %v", err)
	}
}
