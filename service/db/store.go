package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/contractgate/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateTransaction is returned when a transaction hash is already
// recorded. Rows are never updated.
var ErrDuplicateTransaction = errors.New("transaction already recorded")

const table = "contract_transactions"

// Schema creates the ledger table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS contract_transactions (
    hash          TEXT PRIMARY KEY,
    type          TEXT        NOT NULL,
    title         TEXT        NOT NULL,
    from_address  TEXT        NOT NULL,
    to_address    TEXT        NOT NULL,
    nonce         BIGINT      NOT NULL,
    value         TEXT        NOT NULL,
    gas_fee       TEXT        NOT NULL,
    total         TEXT        NOT NULL,
    block_number  BIGINT      NOT NULL DEFAULT 0,
    recorded_at   TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS contract_transactions_recorded_at_idx
    ON contract_transactions (recorded_at DESC);
CREATE INDEX IF NOT EXISTS contract_transactions_from_idx
    ON contract_transactions (lower(from_address), recorded_at DESC);
`

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Connect opens a pool for databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ContractTransaction is one recorded contract write.
type ContractTransaction struct {
	Hash        string
	Type        string
	Title       string
	FromAddress string
	ToAddress   string
	Nonce       int64
	Value       string
	GasFee      string
	Total       string
	BlockNumber int64
	RecordedAt  time.Time
	CreatedAt   time.Time
}

// ListContractTransactionsParams contains pagination and filter parameters.
type ListContractTransactionsParams struct {
	FromAddress string // optional, case-insensitive
	Limit       int32
	Offset      int32
}

const columns = `hash, type, title, from_address, to_address, nonce, value, gas_fee, total, block_number, recorded_at, created_at`

// InsertContractTransaction inserts a new row. A hash that already exists
// yields ErrDuplicateTransaction.
func (s *Store) InsertContractTransaction(ctx context.Context, txn ContractTransaction) (*ContractTransaction, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO contract_transactions
			(hash, type, title, from_address, to_address, nonce, value, gas_fee, total, block_number, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+columns,
		txn.Hash, txn.Type, txn.Title, txn.FromAddress, txn.ToAddress, txn.Nonce,
		txn.Value, txn.GasFee, txn.Total, txn.BlockNumber, txn.RecordedAt,
	)
	out, err := scanContractTransaction(row)
	s.record("insert", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, txn.Hash)
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return out, nil
}

// GetContractTransaction retrieves a transaction by hash. It returns
// pgx.ErrNoRows when absent.
func (s *Store) GetContractTransaction(ctx context.Context, hash string) (*ContractTransaction, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM contract_transactions WHERE hash = $1`, hash)
	out, err := scanContractTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get", start, nil)
		return nil, err
	}
	s.record("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return out, nil
}

// ListContractTransactions lists transactions newest first.
func (s *Store) ListContractTransactions(ctx context.Context, params ListContractTransactionsParams) ([]*ContractTransaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`
		FROM contract_transactions
		WHERE ($1 = '' OR lower(from_address) = lower($1))
		ORDER BY recorded_at DESC, hash
		LIMIT $2 OFFSET $3`,
		params.FromAddress, limit, params.Offset,
	)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*ContractTransaction
	for rows.Next() {
		txn, err := scanContractTransaction(rows)
		if err != nil {
			s.record("list", start, err)
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	err = rows.Err()
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

// CountContractTransactions counts all recorded transactions.
func (s *Store) CountContractTransactions(ctx context.Context) (int64, error) {
	start := time.Now()
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM contract_transactions`).Scan(&n)
	s.record("count", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func scanContractTransaction(row pgx.Row) (*ContractTransaction, error) {
	var t ContractTransaction
	err := row.Scan(
		&t.Hash, &t.Type, &t.Title, &t.FromAddress, &t.ToAddress, &t.Nonce,
		&t.Value, &t.GasFee, &t.Total, &t.BlockNumber, &t.RecordedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
	}
}
