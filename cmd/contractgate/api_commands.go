package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brojonat/contractgate/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func apiCommands() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Commands that talk to a running contractgate server",
		Subcommands: []*cli.Command{
			readCommand(),
			accessoriesCommand(),
			composableCommand(),
			writeCommand(),
			attachCommand(),
			removeAccessoriesCommand(),
			{
				Name:  "writes",
				Usage: "Inspect writes started over the API",
				Subcommands: []*cli.Command{
					listWritesCommand(),
					getWriteCommand(),
					awaitWriteCommand(),
				},
			},
			{
				Name:    "confirmations",
				Aliases: []string{"conf"},
				Usage:   "Approve or decline pending writes",
				Subcommands: []*cli.Command{
					listConfirmationsCommand(),
					decideCommand(true),
					decideCommand(false),
				},
			},
			apiTransactionsCommand(),
			awaitTransactionCommand(),
		},
	}
}

func apiClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

// callArgs returns --args-json when given, otherwise the positional args
// as strings. The server coerces strings to the ABI input types.
func callArgs(c *cli.Context, positional []string) ([]any, error) {
	if raw := c.String("args-json"); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var args []any
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("--args-json must be a JSON array: %w", err)
		}
		return args, nil
	}
	args := make([]any, len(positional))
	for i, a := range positional {
		args[i] = a
	}
	return args, nil
}

var argsJSONFlag = &cli.StringFlag{
	Name:  "args-json",
	Usage: `Call arguments as a JSON array, e.g. '["0xabc...", 1]'`,
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Call a view function",
		ArgsUsage: "CONTRACT FUNCTION [ARGS...]",
		Description: `CONTRACT is a deployment name. To call an undeployed contract, pass
--address and --abi-file and use "-" for CONTRACT.

Example:
  contractgate api read Belt balanceOf 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266`,
		Flags: []cli.Flag{
			argsJSONFlag,
			&cli.StringFlag{Name: "address", Usage: "Contract address (with --abi-file)"},
			&cli.PathFlag{Name: "abi-file", Usage: "Path to a JSON ABI (with --address)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires CONTRACT and FUNCTION")
			}
			req := client.ReadRequest{Function: c.Args().Get(1)}
			if name := c.Args().First(); name != "-" {
				req.Contract = name
			}
			if path := c.Path("abi-file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read abi file: %w", err)
				}
				req.ABI = string(data)
				req.Address = c.String("address")
			}
			args, err := callArgs(c, c.Args().Slice()[2:])
			if err != nil {
				return err
			}
			req.Args = args

			res, err := apiClient(c).Read(c.Context, req)
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			return render(c, res, func(w io.Writer) {
				var pretty bytes.Buffer
				if json.Indent(&pretty, res.Result, "", "  ") != nil {
					pretty.Reset()
					pretty.Write(res.Result)
				}
				fmt.Fprintf(w, "%s => %s\n", res.Function, pretty.String())
			})
		},
	}
}

func accessoriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "accessories",
		Usage:     "List accessory tokens held by an owner",
		ArgsUsage: "CONTRACT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "owner",
				Usage: "Owner address (defaults to the server's connected account)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: accessory contract name")
			}
			tokens, err := apiClient(c).Accessories(c.Context, c.Args().First(), c.String("owner"))
			if err != nil {
				return fmt.Errorf("failed to list accessories: %w", err)
			}
			return render(c, tokens, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "TOKEN ID\tNAME\tIMAGE BYTES")
				for _, t := range tokens {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", t.ID, t.Name, len(t.Image))
				}
				tw.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d tokens\n", len(tokens))
			})
		},
	}
}

func composableCommand() *cli.Command {
	return &cli.Command{
		Name:      "composable",
		Usage:     "Show a composable token and whether it wears an accessory",
		ArgsUsage: "CONTRACT TOKEN_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires CONTRACT and TOKEN_ID")
			}
			comp, err := apiClient(c).Composable(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to read composable: %w", err)
			}
			return render(c, comp, func(w io.Writer) {
				fmt.Fprintf(w, "Contract:      %s\n", comp.Contract)
				fmt.Fprintf(w, "Token ID:      %s\n", comp.Token.ID)
				fmt.Fprintf(w, "Name:          %s\n", comp.Token.Name)
				if comp.Token.Description != "" {
					fmt.Fprintf(w, "Description:   %s\n", comp.Token.Description)
				}
				if comp.HasAccessory != nil {
					fmt.Fprintf(w, "Has accessory: %t\n", *comp.HasAccessory)
				}
			})
		},
	}
}

var waitFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "wait",
		Aliases: []string{"w"},
		Usage:   "Block until the write is confirmed, rejected or failed",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 10 * time.Minute,
		Usage: "How long --wait blocks",
	},
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "Start a write that waits for approval on the server",
		ArgsUsage: "CONTRACT FUNCTION [ARGS...]",
		Description: `The write is presented on the server's confirmation queue. Approve it with
"contractgate api confirmations confirm ID" or from any approver UI.

Example:
  contractgate api write --wait Snowman removeAllAccessories 3`,
		Flags: append([]cli.Flag{
			argsJSONFlag,
			&cli.StringFlag{Name: "value", Usage: "Wei to send (decimal or 0x hex)"},
			&cli.Uint64Flag{Name: "gas-limit", Usage: "Gas limit (default from server)"},
			&cli.Uint64Flag{Name: "confirmations", Usage: "Blocks to wait for (default from server)"},
		}, waitFlags...),
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires CONTRACT and FUNCTION")
			}
			args, err := callArgs(c, c.Args().Slice()[2:])
			if err != nil {
				return err
			}
			d, err := apiClient(c).StartWrite(c.Context, client.WriteRequest{
				Contract:      c.Args().Get(0),
				Function:      c.Args().Get(1),
				Args:          args,
				Value:         c.String("value"),
				GasLimit:      c.Uint64("gas-limit"),
				Confirmations: c.Uint64("confirmations"),
			})
			if err != nil {
				return fmt.Errorf("failed to start write: %w", err)
			}
			return finishWrite(c, d)
		},
	}
}

func attachCommand() *cli.Command {
	return &cli.Command{
		Name:      "attach",
		Usage:     "Attach an accessory token to a composable token",
		ArgsUsage: "ACCESSORY COMPOSABLE ACCESSORY_ID COMPOSABLE_ID",
		Flags:     waitFlags,
		Action: func(c *cli.Context) error {
			if c.NArg() != 4 {
				return fmt.Errorf("requires ACCESSORY COMPOSABLE ACCESSORY_ID COMPOSABLE_ID")
			}
			a := c.Args()
			d, err := apiClient(c).AttachAccessory(c.Context, a.Get(0), a.Get(1), a.Get(2), a.Get(3))
			if err != nil {
				return fmt.Errorf("failed to start attach: %w", err)
			}
			return finishWrite(c, d)
		},
	}
}

func removeAccessoriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove-accessories",
		Usage:     "Detach every accessory from a composable token",
		ArgsUsage: "COMPOSABLE TOKEN_ID",
		Flags:     waitFlags,
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires COMPOSABLE and TOKEN_ID")
			}
			d, err := apiClient(c).RemoveAccessories(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to start removal: %w", err)
			}
			return finishWrite(c, d)
		},
	}
}

// finishWrite prints a started write and, with --wait, blocks for its outcome.
func finishWrite(c *cli.Context, d *client.Descriptor) error {
	if !c.Bool("wait") {
		return render(c, d, func(w io.Writer) {
			printDescriptor(w, d)
			fmt.Fprintf(w, "\nAwaiting approval. Confirm with:\n  contractgate api confirmations confirm %s\n", d.ID)
		})
	}

	if !wantsJSON(c) {
		fmt.Fprintf(os.Stderr, "Waiting for approval of %s (timeout %v)...\n", d.ID, c.Duration("timeout"))
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	w, err := apiClient(c).AwaitWrite(ctx, d.ID, time.Second)
	if err != nil {
		return fmt.Errorf("failed to await write: %w", err)
	}
	if err := render(c, w, func(out io.Writer) { printWrite(out, w) }); err != nil {
		return err
	}
	if w.State != "confirmed" {
		return fmt.Errorf("write %s ended %s: %s", w.RequestID, w.State, w.Error)
	}
	return nil
}

func listWritesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List recent writes, newest first",
		Action: func(c *cli.Context) error {
			writes, active, err := apiClient(c).ListWrites(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list writes: %w", err)
			}
			out := map[string]interface{}{"writes": writes, "active": active}
			return render(c, out, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "REQUEST ID\tCONTRACT\tFUNCTION\tSTATE\tCREATED")
				for _, wr := range writes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						wr.RequestID,
						wr.Descriptor.ContractName,
						wr.Descriptor.FunctionName,
						wr.State,
						wr.CreatedAt.Format(time.RFC3339),
					)
				}
				tw.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d writes, %d busy functions\n", len(writes), len(active))
			})
		},
	}
}

func getWriteCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a write",
		ArgsUsage: "REQUEST_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			w, err := apiClient(c).GetWrite(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get write: %w", err)
			}
			return render(c, w, func(out io.Writer) { printWrite(out, w) })
		},
	}
}

func awaitWriteCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a write ends",
		ArgsUsage: "REQUEST_ID",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "How long to wait"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "Poll interval"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			w, err := apiClient(c).AwaitWrite(ctx, c.Args().First(), c.Duration("interval"))
			if err != nil {
				return fmt.Errorf("failed to await write: %w", err)
			}
			return render(c, w, func(out io.Writer) { printWrite(out, w) })
		},
	}
}

func listConfirmationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List writes waiting for a decision, oldest first",
		Action: func(c *cli.Context) error {
			pending, err := apiClient(c).ListConfirmations(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list confirmations: %w", err)
			}
			return render(c, pending, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "REQUEST ID\tCONTRACT\tFUNCTION\tFROM\tVALUE (WEI)\tPRESENTED")
				for _, p := range pending {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						p.Descriptor.ID,
						p.Descriptor.ContractName,
						p.Descriptor.FunctionName,
						p.Descriptor.From,
						weiString(p.Descriptor),
						p.PresentedAt.Format(time.RFC3339),
					)
				}
				tw.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d pending\n", len(pending))
			})
		},
	}
}

func decideCommand(confirm bool) *cli.Command {
	name, usage, past := "confirm", "Approve a pending write", "confirmed"
	var flags []cli.Flag
	if !confirm {
		name, usage, past = "reject", "Decline a pending write", "rejected"
		flags = []cli.Flag{&cli.StringFlag{Name: "reason", Usage: "Reason shown to the requester"}}
	}
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "REQUEST_ID",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			id := c.Args().First()
			cl := apiClient(c)
			var err error
			if confirm {
				err = cl.Confirm(c.Context, id)
			} else {
				err = cl.Reject(c.Context, id, c.String("reason"))
			}
			if err != nil {
				return fmt.Errorf("failed to %s %s: %w", name, id, err)
			}
			fmt.Fprintf(c.App.Writer, "✓ %s %s\n", id, past)
			return nil
		},
	}
}

func apiTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"txs"},
		Usage:   "List recorded transactions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "Filter by sender address"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum number of transactions"},
			&cli.IntFlag{Name: "offset", Usage: "Number of transactions to skip"},
		},
		Action: func(c *cli.Context) error {
			txs, err := apiClient(c).ListTransactions(c.Context, c.String("from"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			return render(c, txs, func(w io.Writer) {
				printTransactions(w, txs)
			})
		},
	}
}

func awaitTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "await-transaction",
		Usage:     "Block until a matching transaction is recorded",
		ArgsUsage: "[FROM_ADDRESS]",
		Description: `Streams recorded transactions from the server and exits on the first match.

Example:
  contractgate api await-transaction --title removeAllAccessories 0xf39F...
  contractgate api await-transaction --must-jq '.total | tonumber > 0.001'`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "hash", Usage: "Match an exact transaction hash"},
			&cli.StringFlag{Name: "title", Usage: "Match the contract function name"},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq expression evaluated against the event; all must be truthy (repeatable)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the transaction",
			},
		},
		Action: func(c *cli.Context) error {
			hash, title := c.String("hash"), c.String("title")
			jqFilters := c.StringSlice("must-jq")
			if hash == "" && title == "" && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --hash, --title, or --must-jq")
			}

			codes := make([]*gojq.Code, len(jqFilters))
			for i, filter := range jqFilters {
				code, err := compileJQ(filter)
				if err != nil {
					return err
				}
				codes[i] = code
			}

			matcher := func(ev *client.Event) bool {
				if hash != "" && !strings.EqualFold(ev.Hash, hash) {
					return false
				}
				if title != "" && ev.Title != title {
					return false
				}
				return matchesAll(codes, ev)
			}

			if !wantsJSON(c) {
				fmt.Fprintf(os.Stderr, "Waiting for transaction (timeout %v)...\n", c.Duration("timeout"))
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			ev, err := apiClient(c).AwaitTransaction(ctx, c.Args().First(), matcher)
			if err != nil {
				return fmt.Errorf("failed to await transaction: %w", err)
			}
			return render(c, ev, func(w io.Writer) {
				fmt.Fprintf(w, "Hash:     %s\n", ev.Hash)
				fmt.Fprintf(w, "Function: %s\n", ev.Title)
				fmt.Fprintf(w, "From:     %s\n", ev.FromAddress)
				fmt.Fprintf(w, "To:       %s\n", ev.ToAddress)
				fmt.Fprintf(w, "Total:    %s ETH\n", ev.Total)
				fmt.Fprintf(w, "Block:    %d\n", ev.BlockNumber)
			})
		},
	}
}

func printDescriptor(w io.Writer, d *client.Descriptor) {
	fmt.Fprintf(w, "Request ID:    %s\n", d.ID)
	fmt.Fprintf(w, "Contract:      %s (%s)\n", d.ContractName, d.ContractAddress)
	fmt.Fprintf(w, "Function:      %s\n", d.FunctionName)
	if len(d.Args) > 0 {
		fmt.Fprintf(w, "Args:          %v\n", d.Args)
	}
	fmt.Fprintf(w, "From:          %s\n", d.From)
	fmt.Fprintf(w, "Value (wei):   %s\n", weiString(*d))
	fmt.Fprintf(w, "Gas limit:     %d\n", d.GasLimit)
	fmt.Fprintf(w, "Confirmations: %d\n", d.Confirmations)
}

func printWrite(w io.Writer, wr *client.Write) {
	printDescriptor(w, &wr.Descriptor)
	fmt.Fprintf(w, "State:         %s\n", wr.State)
	if wr.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", wr.Error)
	}
	if wr.Result != nil && wr.Result.Record != nil {
		r := wr.Result.Record
		fmt.Fprintf(w, "Hash:          %s\n", r.Hash)
		fmt.Fprintf(w, "Gas fee:       %s ETH\n", r.GasFee)
		fmt.Fprintf(w, "Total:         %s ETH\n", r.Total)
	}
}

func printTransactions(w io.Writer, txs []client.Transaction) {
	tw := newTable(w)
	fmt.Fprintln(tw, "HASH\tFUNCTION\tFROM\tVALUE\tGAS FEE\tTOTAL\tTIME")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.Hash, tx.Title, tx.From, tx.Value, tx.GasFee, tx.Total,
			tx.Timestamp.Format(time.RFC3339),
		)
	}
	tw.Flush()
	fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txs))
}

func weiString(d client.Descriptor) string {
	if d.Value == nil {
		return "0"
	}
	return d.Value.String()
}
