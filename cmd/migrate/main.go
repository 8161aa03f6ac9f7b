package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/brojonat/contractgate/service/config"
	"github.com/brojonat/contractgate/service/db"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/ethereum/go-ethereum/common"
)

// main applies the ledger schema, then backfills block numbers for
// transactions recorded without one.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting ledger migration")

	cfg := config.MustLoad()
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	logger.Info("connected to database")

	store := db.NewStore(dbPool, nil)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("schema applied")

	rows, err := dbPool.Query(ctx, "SELECT hash FROM contract_transactions WHERE block_number = 0 ORDER BY recorded_at")
	if err != nil {
		logger.Error("failed to query transactions", "error", err)
		os.Exit(1)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			logger.Error("failed to scan transaction row", "error", err)
			os.Exit(1)
		}
		hashes = append(hashes, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		logger.Error("error iterating transaction rows", "error", err)
		os.Exit(1)
	}

	logger.Info("found transactions without a block number", "count", len(hashes))
	if len(hashes) == 0 {
		return
	}

	rpc, closeRPC, err := evm.NewRPCClient(ctx, cfg.EthRPCURL)
	if err != nil {
		logger.Error("failed to connect to RPC", "error", err)
		os.Exit(1)
	}
	defer closeRPC()

	successCount := 0
	errorCount := 0

	for _, h := range hashes {
		receipt, err := rpc.TransactionReceipt(ctx, common.HexToHash(h))
		if err != nil {
			logger.Warn("failed to fetch receipt, skipping", "hash", h, "error", err)
			errorCount++
			continue
		}

		_, err = dbPool.Exec(ctx,
			"UPDATE contract_transactions SET block_number = $1 WHERE hash = $2 AND block_number = 0",
			receipt.BlockNumber.Int64(), h,
		)
		if err != nil {
			logger.Error("failed to update transaction", "hash", h, "error", err)
			errorCount++
			continue
		}

		logger.Info("backfilled transaction", "hash", h, "block_number", receipt.BlockNumber.Uint64())
		successCount++
	}

	logger.Info("migration complete",
		"total", len(hashes),
		"success", successCount,
		"errors", errorCount,
	)

	if errorCount > 0 {
		os.Exit(1)
	}
}
