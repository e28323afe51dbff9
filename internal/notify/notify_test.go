package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"proofline/internal/domain"
)

func TestProofEmailRender(t *testing.T) {
	msg, err := ProofEmail{
		ClientName:  "Jean Dupont",
		ClientEmail: "jean@example.com",
		OrderNumber: "ORD-100",
		Version:     2,
		Link:        "https://shop.example/epreuve/tok",
		ShopName:    "Imprimerie",
	}.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.To != "jean@example.com" || !strings.Contains(msg.Subject, "ORD-100") {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(msg.Text, "https://shop.example/epreuve/tok") || !strings.Contains(msg.HTML, `href="https://shop.example/epreuve/tok"`) {
		t.Fatalf("link missing from body")
	}
}

func TestSendGridPostsMessage(t *testing.T) {
	var got mailSendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	sg, err := NewSendGrid(SendGridConfig{APIKey: "k", Endpoint: srv.URL, FromEmail: "shop@example.com"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sg.Send(context.Background(), Message{To: "c@example.com", Subject: "s", Text: "t"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer k" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Email != "c@example.com" || got.From.Email != "shop@example.com" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendGridErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()
	sg, _ := NewSendGrid(SendGridConfig{APIKey: "k", Endpoint: srv.URL, FromEmail: "shop@example.com"})
	err := sg.Send(context.Background(), Message{To: "c@example.com"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestDirectDispatch(t *testing.T) {
	ok := Direct{Mailer: MailerFunc(func(context.Context, Message) error { return nil })}
	if status, err := ok.Dispatch(context.Background(), "n1", Message{}); err != nil || status != domain.NotificationSent {
		t.Fatalf("expected sent, got %s %v", status, err)
	}
	bad := Direct{Mailer: MailerFunc(func(context.Context, Message) error { return errors.New("smtp down") })}
	if status, err := bad.Dispatch(context.Background(), "n1", Message{}); err == nil || status != domain.NotificationFailed {
		t.Fatalf("expected failed, got %s %v", status, err)
	}
}

type recordedAttempt struct {
	id, status, lastError string
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []recordedAttempt
}

func (f *fakeRecorder) RecordDeliveryAttempt(_ context.Context, id, status, lastError, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, recordedAttempt{id, status, lastError})
	return nil
}

func TestWorkerRecordsOutcome(t *testing.T) {
	rec := &fakeRecorder{}
	fail := true
	w := Worker{
		Mailer: MailerFunc(func(context.Context, Message) error {
			if fail {
				return errors.New("provider down")
			}
			return nil
		}),
		Recorder: rec,
		Now:      func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	data, _ := json.Marshal(emailPayload{NotificationID: "n1", Message: Message{To: "c@example.com"}})
	task := asynq.NewTask(TaskSendProofEmail, data)
	if err := w.HandleSendProofEmail(context.Background(), task); err == nil {
		t.Fatalf("expected failure to propagate for retry")
	}
	fail = false
	if err := w.HandleSendProofEmail(context.Background(), task); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(rec.attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(rec.attempts))
	}
	if rec.attempts[0].status != domain.NotificationFailed || rec.attempts[0].lastError != "provider down" {
		t.Fatalf("unexpected first attempt %+v", rec.attempts[0])
	}
	if rec.attempts[1].status != domain.NotificationSent {
		t.Fatalf("unexpected second attempt %+v", rec.attempts[1])
	}
}

func TestWorkerSkipsRetryOnBadPayload(t *testing.T) {
	w := Worker{Mailer: LogMailer{}, Recorder: &fakeRecorder{}}
	err := w.HandleSendProofEmail(context.Background(), asynq.NewTask(TaskSendProofEmail, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}
