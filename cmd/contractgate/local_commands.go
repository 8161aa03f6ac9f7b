package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/contractgate/service/app"
	"github.com/brojonat/contractgate/service/config"
	"github.com/brojonat/contractgate/service/confirm"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/mediator"
	"github.com/urfave/cli/v2"
)

func localCommands() *cli.Command {
	return &cli.Command{
		Name:  "local",
		Usage: "Act on the node directly using the server configuration",
		Description: `Local commands read the same environment as the server (ETH_RPC_URL,
DEPLOYMENTS_FILE, KEYSTORE_DIR, CONNECTED_ACCOUNT, ...). Writes are shown
on this terminal and only signed after you answer "y".`,
		Subcommands: []*cli.Command{
			localReadCommand(),
			localAccessoriesCommand(),
			localWriteCommand(),
		},
	}
}

// buildLocal loads configuration and assembles the stack without NATS
// publishing unless publish is set.
func buildLocal(ctx context.Context, publish bool) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.Build(ctx, cfg, app.Options{SkipPublisher: !publish}, logger)
}

func localReadCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Call a view function on a deployment",
		ArgsUsage: "CONTRACT FUNCTION [ARGS...]",
		Flags:     []cli.Flag{argsJSONFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires CONTRACT and FUNCTION")
			}
			args, err := callArgs(c, c.Args().Slice()[2:])
			if err != nil {
				return err
			}
			stack, err := buildLocal(c.Context, false)
			if err != nil {
				return err
			}
			defer stack.Close()

			name, fn := c.Args().Get(0), c.Args().Get(1)
			dep, ok := stack.Directory.Lookup(name)
			if !ok {
				return fmt.Errorf("%w: %s", evm.ErrContractNotDeployed, name)
			}
			v, err := stack.Reader.Read(c.Context, dep.Spec(fn, args...))
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			return render(c, map[string]interface{}{"function": fn, "result": v}, func(w io.Writer) {
				fmt.Fprintf(w, "%s => %v\n", fn, v)
			})
		},
	}
}

func localAccessoriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "accessories",
		Usage:     "List accessory tokens held by the connected account",
		ArgsUsage: "CONTRACT",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "Owner address (defaults to the connected account)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: accessory contract name")
			}
			stack, err := buildLocal(c.Context, false)
			if err != nil {
				return err
			}
			defer stack.Close()

			dep, ok := stack.Directory.Lookup(c.Args().First())
			if !ok {
				return fmt.Errorf("%w: %s", evm.ErrContractNotDeployed, c.Args().First())
			}
			owner := c.String("owner")
			if owner == "" {
				addr, err := stack.Accounts.Address()
				if err != nil {
					return err
				}
				owner = addr.Hex()
			}
			tokens, err := stack.Scanner.EnumerateOwned(c.Context, owner, dep)
			if err != nil {
				return fmt.Errorf("failed to list accessories: %w", err)
			}
			return render(c, tokens, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "TOKEN ID\tNAME")
				for _, t := range tokens {
					fmt.Fprintf(tw, "%s\t%s\n", t.ID, t.Name)
				}
				tw.Flush()
			})
		},
	}
}

func localWriteCommand() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "Sign and submit a contract write after terminal approval",
		ArgsUsage: "CONTRACT FUNCTION [ARGS...]",
		Description: `Example:
  contractgate local write Snowman removeAllAccessories 3`,
		Flags: []cli.Flag{
			argsJSONFlag,
			&cli.StringFlag{Name: "value", Usage: "Wei to send (decimal or 0x hex)"},
			&cli.Uint64Flag{Name: "gas-limit", Usage: "Gas limit (default DEFAULT_GAS_LIMIT)"},
			&cli.Uint64Flag{Name: "confirmations", Usage: "Blocks to wait for (default DEFAULT_CONFIRMATIONS)"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Approve without prompting"},
			&cli.BoolFlag{Name: "publish", Usage: "Publish the recorded transaction to NATS when configured"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires CONTRACT and FUNCTION")
			}
			args, err := callArgs(c, c.Args().Slice()[2:])
			if err != nil {
				return err
			}
			value, err := evm.ParseWei(c.String("value"))
			if err != nil {
				return fmt.Errorf("invalid --value: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := buildLocal(ctx, c.Bool("publish"))
			if err != nil {
				return err
			}
			defer stack.Close()

			gate := confirm.NewTerminal(os.Stdin, c.App.ErrWriter)
			gate.AutoConfirm = c.Bool("yes")

			m := stack.Writes(gate, func(id string, s mediator.State, err error) {
				if s == mediator.Submitted && !wantsJSON(c) {
					fmt.Fprintln(c.App.ErrWriter, "Submitted, waiting for inclusion...")
				}
			}).For(c.Args().Get(0), c.Args().Get(1))

			res, err := m.Write(ctx, mediator.WriteRequest{
				Args:          args,
				Value:         value,
				GasLimit:      c.Uint64("gas-limit"),
				Confirmations: c.Uint64("confirmations"),
			})
			if err != nil {
				return err
			}
			return render(c, res, func(w io.Writer) {
				printRecord(w, res.Record)
			})
		},
	}
}

func printRecord(w io.Writer, r *ledger.Record) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Hash:      %s\n", r.Hash)
	fmt.Fprintf(w, "Function:  %s\n", r.Title)
	fmt.Fprintf(w, "From:      %s\n", r.From)
	fmt.Fprintf(w, "To:        %s\n", r.To)
	fmt.Fprintf(w, "Nonce:     %d\n", r.Nonce)
	fmt.Fprintf(w, "Value:     %s ETH\n", r.Value)
	fmt.Fprintf(w, "Gas fee:   %s ETH\n", r.GasFee)
	fmt.Fprintf(w, "Total:     %s ETH\n", r.Total)
	fmt.Fprintf(w, "Block:     %d\n", r.BlockNumber)
}
