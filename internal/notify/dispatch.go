package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"proofline/internal/domain"
)

// Dispatcher hands a rendered message to a delivery channel and reports the
// resulting notification status.
type Dispatcher interface {
	Dispatch(ctx context.Context, notificationID string, msg Message) (string, error)
}

// Direct sends inline with the request.
type Direct struct {
	Mailer Mailer
}

func (d Direct) Dispatch(ctx context.Context, _ string, msg Message) (string, error) {
	if err := d.Mailer.Send(ctx, msg); err != nil {
		return domain.NotificationFailed, err
	}
	return domain.NotificationSent, nil
}

const TaskSendProofEmail = "proof:email"

type emailPayload struct {
	NotificationID string  `json:"notification_id"`
	Message        Message `json:"message"`
}

// Queue enqueues delivery for the worker; the notification stays queued
// until the worker records the outcome.
type Queue struct {
	Client   *asynq.Client
	Queue    string
	MaxRetry int
}

func (q Queue) Dispatch(ctx context.Context, notificationID string, msg Message) (string, error) {
	data, err := json.Marshal(emailPayload{NotificationID: notificationID, Message: msg})
	if err != nil {
		return domain.NotificationFailed, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(q.MaxRetry)}
	if q.Queue != "" {
		opts = append(opts, asynq.Queue(q.Queue))
	}
	if _, err := q.Client.EnqueueContext(ctx, asynq.NewTask(TaskSendProofEmail, data), opts...); err != nil {
		return domain.NotificationFailed, fmt.Errorf("enqueue email task: %w", err)
	}
	return domain.NotificationQueued, nil
}

// DeliveryRecorder persists delivery attempts; repo.Repo implements it.
type DeliveryRecorder interface {
	RecordDeliveryAttempt(ctx context.Context, id, status, lastError, updatedAt string) error
}

// Worker drains queued proof emails.
type Worker struct {
	Mailer   Mailer
	Recorder DeliveryRecorder
	Log      *zap.Logger
	Now      func() time.Time
}

func (w Worker) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSendProofEmail, w.HandleSendProofEmail)
	return mux
}

func (w Worker) HandleSendProofEmail(ctx context.Context, task *asynq.Task) error {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	var p emailPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	ts := now().UTC().Format(time.RFC3339)
	if err := w.Mailer.Send(ctx, p.Message); err != nil {
		log.Error("proof email delivery failed",
			zap.String("notification_id", p.NotificationID),
			zap.String("recipient", p.Message.To),
			zap.Error(err))
		if rerr := w.Recorder.RecordDeliveryAttempt(ctx, p.NotificationID, domain.NotificationFailed, err.Error(), ts); rerr != nil {
			log.Error("record delivery failure", zap.String("notification_id", p.NotificationID), zap.Error(rerr))
		}
		return err
	}
	if err := w.Recorder.RecordDeliveryAttempt(ctx, p.NotificationID, domain.NotificationSent, "", ts); err != nil {
		// the email went out; retrying the task would send it twice
		log.Error("record delivery", zap.String("notification_id", p.NotificationID), zap.Error(err))
		return nil
	}
	log.Info("proof email delivered", zap.String("notification_id", p.NotificationID))
	return nil
}
