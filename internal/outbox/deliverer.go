// Package outbox delivers per-recipient notifications with send-then-mark
// ordering and provider-side reconciliation. The deterministic idempotency
// token plus the unique delivery key give at-most-once external delivery per
// (changelist, recipient, review_version).
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/telemetry"
)

// Provider is the external notification service. Send must honor the
// idempotency token: replaying a token yields the original message id.
// Lookup is required for reconciliation.
type Provider interface {
	Send(ctx context.Context, recipient string, payload []byte, idempotencyToken string) (string, error)
	Lookup(ctx context.Context, idempotencyToken string) (messageID string, delivered bool, err error)
}

// Store is the persistence surface the deliverer needs.
type Store interface {
	MaterializeOutbox(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string, payload []byte) error
	PendingOutbox(ctx context.Context, jobID string) ([]models.OutboxEntry, error)
	GetOutboxEntry(ctx context.Context, id string) (models.OutboxEntry, error)
	MarkSendAttempted(ctx context.Context, id string) (int64, error)
	MarkSent(ctx context.Context, id, notificationID string) (int64, error)
	ClearSendAttempt(ctx context.Context, id string) error
	RecordSendError(ctx context.Context, id, errMsg string) error
	MarkFailedPermanent(ctx context.Context, id, errMsg string) error
	AmbiguousOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	SentOutboxSince(ctx context.Context, since time.Time, limit int) ([]models.OutboxEntry, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Token derives the deterministic provider idempotency token for a delivery
// key. Stable across retries and processes.
func Token(changelistID int64, recipient string, reviewVersion int) string {
	raw := fmt.Sprintf("%d:%s:%d", changelistID, recipient, reviewVersion)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Deliverer executes the send-then-mark protocol for a job's outbox rows.
type Deliverer struct {
	store       Store
	provider    Provider
	sendTimeout time.Duration
	log         *zap.Logger
}

func NewDeliverer(st Store, provider Provider, sendTimeout time.Duration, log *zap.Logger) *Deliverer {
	if log == nil {
		log = zap.NewNop()
	}
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Deliverer{store: st, provider: provider, sendTimeout: sendTimeout, log: log}
}

// Materialize inserts pending rows for every recipient; existing rows are
// left untouched.
func (d *Deliverer) Materialize(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string, payload []byte) error {
	return d.store.MaterializeOutbox(ctx, jobID, changelistID, reviewVersion, recipients, payload)
}

// DeliveryStatus values returned per row.
const (
	StatusSent            = "sent"
	StatusAlreadySent     = "already_sent"
	StatusReconciled      = "reconciled"
	StatusFailedPermanent = "failed_permanent"
)

// DeliveryResult reports one row's outcome.
type DeliveryResult struct {
	EntryID   string
	Recipient string
	Status    string
	MessageID string
}

// DeliverPending walks the job's pending rows in recipient order. A retryable
// provider failure aborts the pass with an error so the notify stage's budget
// governs the retry; rows already delivered are never resent.
func (d *Deliverer) DeliverPending(ctx context.Context, jobID string) ([]DeliveryResult, error) {
	entries, err := d.store.PendingOutbox(ctx, jobID)
	if err != nil {
		return nil, err
	}

	results := make([]DeliveryResult, 0, len(entries))
	for _, entry := range entries {
		res, err := d.deliverRow(ctx, entry.ID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Deliverer) deliverRow(ctx context.Context, entryID string) (DeliveryResult, error) {
	// Re-read inside the attempt; an earlier snapshot may predate another
	// worker's delivery.
	entry, err := d.store.GetOutboxEntry(ctx, entryID)
	if err != nil {
		return DeliveryResult{}, err
	}
	res := DeliveryResult{EntryID: entry.ID, Recipient: entry.Recipient}

	if entry.NotifiedAt != nil {
		res.Status = StatusAlreadySent
		if entry.NotificationID != nil {
			res.MessageID = *entry.NotificationID
		}
		return res, nil
	}

	token := Token(entry.ChangelistID, entry.Recipient, entry.ReviewVersion)

	// A message id without notified_at means a prior send succeeded but the
	// acknowledging write did not land. Ask the provider before resending.
	if entry.NotificationID != nil {
		msgID, delivered, err := d.provider.Lookup(ctx, token)
		if err != nil {
			return res, fmt.Errorf("provider lookup: %w", err)
		}
		if delivered {
			if _, err := d.store.MarkSent(ctx, entry.ID, msgID); err != nil {
				return res, err
			}
			res.Status = StatusReconciled
			res.MessageID = msgID
			telemetry.OutboxReconciled.Inc()
			return res, nil
		}
	}

	return d.send(ctx, entry, token)
}

func (d *Deliverer) send(ctx context.Context, entry models.OutboxEntry, token string) (DeliveryResult, error) {
	res := DeliveryResult{EntryID: entry.ID, Recipient: entry.Recipient}

	// Sentinel first: if the process dies between Send and MarkSent, the
	// reconciler can tell "attempted" from "never tried".
	if rows, err := d.store.MarkSendAttempted(ctx, entry.ID); err != nil {
		return res, err
	} else if rows == 0 {
		res.Status = StatusAlreadySent
		return res, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	msgID, err := d.provider.Send(sendCtx, entry.Recipient, entry.Payload, token)
	if err != nil {
		class := failure.Classify(err)
		if !failure.Retryable(class) {
			if markErr := d.store.MarkFailedPermanent(ctx, entry.ID, err.Error()); markErr != nil {
				return res, markErr
			}
			_ = d.store.AppendAudit(ctx, entry.JobID, "notify_failed_permanent",
				fmt.Sprintf("recipient=%s error_class=%s", entry.Recipient, class))
			telemetry.NotifyPermanentFailures.Inc()
			res.Status = StatusFailedPermanent
			return res, nil
		}
		_ = d.store.RecordSendError(ctx, entry.ID, err.Error())
		return res, fmt.Errorf("provider send to %s: %w", entry.Recipient, err)
	}

	// Send first, then mark: the sent marker is only ever written after
	// provider acknowledgment, and message id + notified_at land together.
	if _, err := d.store.MarkSent(ctx, entry.ID, msgID); err != nil {
		return res, err
	}
	_ = d.store.AppendAudit(ctx, entry.JobID, "notified",
		fmt.Sprintf("recipient=%s message_id=%s", entry.Recipient, msgID))
	telemetry.NotificationsSent.Inc()
	res.Status = StatusSent
	res.MessageID = msgID
	return res, nil
}

// ReconcileAmbiguous repairs rows whose send outcome is unknown: provider
// truth wins. Delivered tokens are backfilled without resending; undelivered
// sentinels are cleared so the next delivery pass retries.
func (d *Deliverer) ReconcileAmbiguous(ctx context.Context, limit int) (int, error) {
	entries, err := d.store.AmbiguousOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, entry := range entries {
		token := Token(entry.ChangelistID, entry.Recipient, entry.ReviewVersion)
		msgID, delivered, err := d.provider.Lookup(ctx, token)
		if err != nil {
			return repaired, fmt.Errorf("provider lookup: %w", err)
		}
		if delivered {
			if _, err := d.store.MarkSent(ctx, entry.ID, msgID); err != nil {
				return repaired, err
			}
			telemetry.OutboxReconciled.Inc()
			repaired++
			continue
		}
		if err := d.store.ClearSendAttempt(ctx, entry.ID); err != nil {
			return repaired, err
		}
	}
	return repaired, nil
}

// VerifySent cross-checks recently sent rows against the provider. A sent row
// without provider evidence violates the send-then-mark contract and is
// alerted for manual reconciliation; it is never silently repaired.
func (d *Deliverer) VerifySent(ctx context.Context, since time.Time, limit int) (int, error) {
	entries, err := d.store.SentOutboxSince(ctx, since, limit)
	if err != nil {
		return 0, err
	}

	violations := 0
	for _, entry := range entries {
		token := Token(entry.ChangelistID, entry.Recipient, entry.ReviewVersion)
		_, delivered, err := d.provider.Lookup(ctx, token)
		if err != nil {
			return violations, fmt.Errorf("provider lookup: %w", err)
		}
		if !delivered {
			violations++
			_ = d.store.AppendAudit(ctx, entry.JobID, "outbox_contract_violation",
				fmt.Sprintf("recipient=%s marked sent without provider evidence", entry.Recipient))
			d.log.Error("outbox row marked sent without provider evidence",
				zap.String("entry_id", entry.ID),
				zap.String("job_id", entry.JobID),
				zap.String("recipient", entry.Recipient))
		}
	}
	return violations, nil
}
