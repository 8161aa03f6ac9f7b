package ledger

import (
	"context"
	"log/slog"
	"time"

	natspkg "github.com/brojonat/contractgate/service/nats"
)

// PublishingLedger announces every appended record on NATS. Publishing is
// best effort: a failed publish is logged, the append still stands.
type PublishingLedger struct {
	Ledger
	publisher natspkg.Publisher
	logger    *slog.Logger
}

// NewPublishingLedger wraps next.
func NewPublishingLedger(next Ledger, publisher natspkg.Publisher, logger *slog.Logger) *PublishingLedger {
	return &PublishingLedger{Ledger: next, publisher: publisher, logger: logger}
}

// Append implements Ledger.
func (l *PublishingLedger) Append(ctx context.Context, rec Record) error {
	if err := l.Ledger.Append(ctx, rec); err != nil {
		return err
	}

	if err := l.publisher.PublishTransaction(ctx, ToEvent(rec)); err != nil {
		l.logger.WarnContext(ctx, "failed to publish transaction event",
			"hash", rec.Hash,
			"error", err,
		)
	}
	return nil
}

// ToEvent converts a record into its NATS event.
func ToEvent(rec Record) *natspkg.TransactionEvent {
	return &natspkg.TransactionEvent{
		Hash:        rec.Hash,
		Type:        rec.Type,
		Title:       rec.Title,
		FromAddress: rec.From,
		ToAddress:   rec.To,
		Nonce:       rec.Nonce,
		Value:       rec.Value,
		GasFee:      rec.GasFee,
		Total:       rec.Total,
		BlockNumber: rec.BlockNumber,
		Timestamp:   rec.Timestamp,
		PublishedAt: time.Now().UTC(),
	}
}
