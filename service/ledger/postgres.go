package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/contractgate/service/db"
)

// PostgresLedger persists records in the contract_transactions table.
type PostgresLedger struct {
	store *db.Store
}

// NewPostgresLedger creates a ledger backed by store.
func NewPostgresLedger(store *db.Store) *PostgresLedger {
	return &PostgresLedger{store: store}
}

// Append implements Ledger. A hash that is already recorded yields
// ErrDuplicateRecord; existing rows are never updated.
func (l *PostgresLedger) Append(ctx context.Context, rec Record) error {
	_, err := l.store.InsertContractTransaction(ctx, db.ContractTransaction{
		Hash:        rec.Hash,
		Type:        rec.Type,
		Title:       rec.Title,
		FromAddress: rec.From,
		ToAddress:   rec.To,
		Nonce:       int64(rec.Nonce),
		Value:       rec.Value,
		GasFee:      rec.GasFee,
		Total:       rec.Total,
		BlockNumber: int64(rec.BlockNumber),
		RecordedAt:  rec.Timestamp,
	})
	if errors.Is(err, db.ErrDuplicateTransaction) {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.Hash)
	}
	return err
}

// List implements Ledger.
func (l *PostgresLedger) List(ctx context.Context, params ListParams) ([]Record, error) {
	rows, err := l.store.ListContractTransactions(ctx, db.ListContractTransactionsParams{
		FromAddress: params.From,
		Limit:       int32(params.Limit),
		Offset:      int32(params.Offset),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = Record{
			Type:        row.Type,
			Title:       row.Title,
			Hash:        row.Hash,
			Value:       row.Value,
			Timestamp:   row.RecordedAt.UTC(),
			From:        row.FromAddress,
			To:          row.ToAddress,
			Nonce:       uint64(row.Nonce),
			GasFee:      row.GasFee,
			Total:       row.Total,
			BlockNumber: uint64(row.BlockNumber),
		}
	}
	return out, nil
}
