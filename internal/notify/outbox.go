// Package notify delivers lifecycle events to the notification service
// through a store-backed outbox. Enqueueing never waits on delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/tollgate/internal/ledger"
)

const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
)

// Lifecycle events.
const (
	EventRequestCreated  = "request.created"
	EventQuorumPending   = "quorum.pending"
	EventRequestResolved = "request.resolved"
	EventPermitIssued    = "permit.issued"
	EventPermitRevoked   = "permit.revoked"
	EventPermitExpired   = "permit.expired"
	EventRollbackFailed  = "permit.rollback_failed"
)

// Outbox queues messages in the store for the delivery worker.
type Outbox struct {
	store  ledger.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewOutbox(store ledger.Store, now func() time.Time, logger *slog.Logger) *Outbox {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: store, now: now, logger: logger.With("component", "notify")}
}

// Enqueue records a pending message due immediately. Callers treat a failure
// as a logged nuisance, never as a reason to undo a transition.
func (o *Outbox) Enqueue(ctx context.Context, event, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", event, err)
	}
	now := o.now().UTC().Format(time.RFC3339)
	rec := ledger.OutboxRecord{
		NotificationID: "ntf_" + uuid.NewString(),
		Event:          event,
		Subject:        subject,
		MessageJSON:    body,
		Status:         OutboxStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.PutOutbox(rec); err != nil {
		o.logger.Warn("notification not queued", "event", event, "subject", subject, "error", err)
		return err
	}
	return nil
}

// ProcessDue sends due pending outbox records, applying exponential backoff
// when delivery fails.
func ProcessDue(ctx context.Context, store ledger.Store, notifier Notifier, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if notifier == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	due, err := store.ListOutboxDue(now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != OutboxStatusPending {
			continue
		}

		if !json.Valid(rec.MessageJSON) {
			// Bad payload; mark as sent to prevent infinite retries.
			msg := "invalid message_json"
			rec.LastError = &msg
			if err := markSent(store, rec, now); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		err := notifier.Notify(ctx, Message{
			NotificationID: rec.NotificationID,
			Event:          rec.Event,
			Subject:        rec.Subject,
			Payload:        json.RawMessage(rec.MessageJSON),
			CreatedAt:      rec.CreatedAt,
			Attempt:        rec.AttemptCount + 1,
		})
		if err != nil {
			next := nextAttempt(rec.AttemptCount)
			rec.AttemptCount++
			rec.NextAttemptAt = now.UTC().Add(next).Format(time.RFC3339)
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = now.UTC().Format(time.RFC3339)
			if err := store.PutOutbox(rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := markSent(store, rec, now); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

func markSent(store ledger.Store, rec ledger.OutboxRecord, now time.Time) error {
	rec.Status = OutboxStatusSent
	sentAt := now.UTC().Format(time.RFC3339)
	rec.SentAt = &sentAt
	rec.UpdatedAt = sentAt
	return store.PutOutbox(rec)
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 10 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// RunWorker polls and delivers due outbox entries until ctx is cancelled.
func RunWorker(ctx context.Context, store ledger.Store, notifier Notifier, pollInterval time.Duration, logger *slog.Logger) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ProcessDue(ctx, store, notifier, now, 25); err != nil && ctx.Err() == nil {
				logger.Warn("outbox pass failed", "error", err)
			}
		}
	}
}
