package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brojonat/contractgate/service/db"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the transaction ledger table if it does not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "✓ Ledger schema is up to date")
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List recorded transactions straight from the database",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "from",
				Usage: "Filter by sender address",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   20,
				Usage:   "Maximum number of transactions to show",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of transactions to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListContractTransactions(c.Context, db.ListContractTransactionsParams{
				FromAddress: c.String("from"),
				Limit:       int32(c.Int("limit")),
				Offset:      int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			total, err := store.CountContractTransactions(c.Context)
			if err != nil {
				return fmt.Errorf("failed to count transactions: %w", err)
			}

			return render(c, txns, func(w io.Writer) {
				printDBTransactions(w, txns)
				fmt.Fprintf(os.Stderr, "\nShowing %d of %d transactions\n", len(txns), total)
			})
		},
	}
}

func printDBTransactions(w io.Writer, txns []*db.ContractTransaction) {
	for i, tx := range txns {
		if i > 0 {
			fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		}
		fmt.Fprintf(w, "Hash:         %s\n", tx.Hash)
		fmt.Fprintf(w, "Function:     %s\n", tx.Title)
		fmt.Fprintf(w, "From:         %s\n", tx.FromAddress)
		fmt.Fprintf(w, "To:           %s\n", tx.ToAddress)
		fmt.Fprintf(w, "Nonce:        %d\n", tx.Nonce)
		fmt.Fprintf(w, "Value:        %s ETH\n", tx.Value)
		fmt.Fprintf(w, "Gas fee:      %s ETH\n", tx.GasFee)
		fmt.Fprintf(w, "Total:        %s ETH\n", tx.Total)
		fmt.Fprintf(w, "Block:        %d\n", tx.BlockNumber)
		fmt.Fprintf(w, "Recorded At:  %s\n", tx.RecordedAt.Format(time.RFC3339))
	}
}

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := db.Connect(context.Background(), dbURL)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool, nil), pool.Close, nil
}
