package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/metrics"
)

// Recorder builds records from confirmed transactions and appends them to
// a ledger exactly once.
type Recorder struct {
	ledger  Ledger
	name    string // ledger label for metrics
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder that appends to l. name labels metrics
// ("memory", "postgres").
func NewRecorder(l Ledger, name string, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		ledger:  l,
		name:    name,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Build computes the record for tx and its receipt without appending it.
//
// gasFee is gasUsed × effectiveGasPrice when the receipt carries both, else
// zero. Total is the sum of the rounded value and fee, so it equals
// value + gasFee exactly at Precision digits.
func Build(tx *evm.SubmittedTx, receipt *evm.Receipt, at time.Time) Record {
	fee := new(big.Int)
	if receipt != nil && receipt.GasUsed > 0 && receipt.EffectiveGasPrice != nil {
		fee.Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	}

	value := Ether(tx.Value)
	gasFee := Ether(fee)

	rec := Record{
		Type:      RecordTypeContract,
		Title:     tx.Function,
		Hash:      tx.Hash.Hex(),
		Value:     value.String(),
		Timestamp: at.UTC(),
		From:      tx.From.Hex(),
		To:        tx.To.Hex(),
		Nonce:     tx.Nonce,
		GasFee:    gasFee.String(),
		Total:     value.Add(gasFee).String(),
	}
	if receipt != nil {
		rec.BlockNumber = receipt.BlockNumber
	}
	return rec
}

// Record builds the record and appends it.
func (r *Recorder) Record(ctx context.Context, tx *evm.SubmittedTx, receipt *evm.Receipt) (*Record, error) {
	rec := Build(tx, receipt, r.now())

	err := r.ledger.Append(ctx, rec)
	if r.metrics != nil {
		r.metrics.RecordLedgerAppend(r.name, err)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record transaction",
			"hash", rec.Hash,
			"error", err,
		)
		return nil, fmt.Errorf("failed to append record: %w", err)
	}

	r.logger.InfoContext(ctx, "transaction recorded",
		"hash", rec.Hash,
		"title", rec.Title,
		"value", rec.Value,
		"gas_fee", rec.GasFee,
		"total", rec.Total,
	)
	return &rec, nil
}

// Ledger returns the underlying ledger.
func (r *Recorder) Ledger() Ledger {
	return r.ledger
}
