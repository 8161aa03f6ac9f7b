package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brojonat/contractgate/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/api/workflowservice/v1"
)

func startDurableWriteCommand() *cli.Command {
	return &cli.Command{
		Name:      "start-write",
		Usage:     "Start a durable write workflow",
		ArgsUsage: "CONTRACT FUNCTION [ARGS...]",
		Description: `The workflow waits for a confirm or reject signal, then the worker signs
and submits the transaction. A worker must be running on the task queue.

Example:
  contractgate temporal start-write --confirmation-timeout 1h Snowman removeAllAccessories 3`,
		Flags: []cli.Flag{
			argsJSONFlag,
			&cli.StringFlag{Name: "id", Usage: "Request id (default: random UUID)"},
			&cli.StringFlag{Name: "value", Usage: "Wei to send (decimal or 0x hex)"},
			&cli.Uint64Flag{Name: "gas-limit", Usage: "Gas limit"},
			&cli.Uint64Flag{Name: "confirmations", Usage: "Blocks to wait for"},
			&cli.DurationFlag{Name: "confirmation-timeout", Usage: "Give up if nobody decides in time (0 waits forever)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires CONTRACT and FUNCTION")
			}
			args, err := callArgs(c, c.Args().Slice()[2:])
			if err != nil {
				return err
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			id, err := tc.StartWrite(c.Context, temporal.WriteInput{
				RequestID:           c.String("id"),
				ContractName:        c.Args().Get(0),
				FunctionName:        c.Args().Get(1),
				Args:                args,
				Value:               c.String("value"),
				GasLimit:            c.Uint64("gas-limit"),
				Confirmations:       c.Uint64("confirmations"),
				ConfirmationTimeout: c.Duration("confirmation-timeout"),
			})
			if err != nil {
				return fmt.Errorf("failed to start durable write: %w", err)
			}
			return render(c, map[string]string{"request_id": id, "workflow_id": temporal.WorkflowID(id)}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Started durable write %s\n", id)
				fmt.Fprintf(w, "  Workflow: %s\n", temporal.WorkflowID(id))
				fmt.Fprintf(w, "  Confirm:  contractgate temporal confirm %s\n", id)
			})
		},
	}
}

func durableStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Query the stage of a durable write",
		ArgsUsage: "REQUEST_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			state, err := tc.State(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to query durable write: %w", err)
			}
			return render(c, state, func(w io.Writer) { printDurableState(w, state) })
		},
	}
}

func durableDecisionCommand(confirmed bool) *cli.Command {
	name, usage := "confirm", "Approve a durable write"
	var flags []cli.Flag
	if !confirmed {
		name, usage = "reject", "Decline a durable write"
		flags = []cli.Flag{&cli.StringFlag{Name: "reason", Usage: "Reason recorded with the rejection"}}
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
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if confirmed {
				err = tc.Confirm(c.Context, id)
			} else {
				err = tc.Reject(c.Context, id, c.String("reason"))
			}
			if err != nil {
				return fmt.Errorf("failed to signal %s: %w", id, err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Sent %s to %s\n", name, temporal.WorkflowID(id))
			return nil
		},
	}
}

func durableWaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Block until a durable write completes",
		ArgsUsage: "REQUEST_ID",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Minute, Usage: "How long to wait"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			res, err := tc.Wait(ctx, c.Args().First())
			if err != nil {
				return fmt.Errorf("durable write did not complete: %w", err)
			}
			return render(c, res, func(w io.Writer) {
				if res.Result != nil {
					printRecord(w, res.Result.Record)
				}
			})
		},
	}
}

func listWorkflowsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-workflows",
		Usage:   "List durable write workflow executions",
		Aliases: []string{"wf"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by execution status (Running, Completed, Failed, TimedOut, Terminated)",
			},
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of executions"},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			query := "WorkflowType = 'ContractWriteWorkflow'"
			if status := c.String("status"); status != "" {
				query += fmt.Sprintf(" AND ExecutionStatus = '%s'", status)
			}
			resp, err := tc.SDKClient().ListWorkflow(c.Context, &workflowservice.ListWorkflowExecutionsRequest{
				Query:    query,
				PageSize: int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list workflows: %w", err)
			}

			type row struct {
				WorkflowID string    `json:"workflow_id"`
				RunID      string    `json:"run_id"`
				Status     string    `json:"status"`
				StartTime  time.Time `json:"start_time"`
			}
			rows := make([]row, 0, len(resp.GetExecutions()))
			for _, e := range resp.GetExecutions() {
				rows = append(rows, row{
					WorkflowID: e.GetExecution().GetWorkflowId(),
					RunID:      e.GetExecution().GetRunId(),
					Status:     e.GetStatus().String(),
					StartTime:  e.GetStartTime().AsTime(),
				})
			}
			return render(c, rows, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "WORKFLOW ID\tSTATUS\tSTARTED")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.WorkflowID, r.Status, r.StartTime.Format(time.RFC3339))
				}
				tw.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d workflows\n", len(rows))
			})
		},
	}
}

func printDurableState(w io.Writer, s *temporal.WriteState) {
	fmt.Fprintf(w, "Stage:    %s\n", s.Stage)
	if d := s.Descriptor; d != nil {
		fmt.Fprintf(w, "Contract: %s (%s)\n", d.ContractName, d.ContractAddress)
		fmt.Fprintf(w, "Function: %s\n", d.FunctionName)
		fmt.Fprintf(w, "From:     %s\n", d.From)
	}
	if s.Decision != nil {
		decision := "rejected"
		if s.Decision.Confirmed {
			decision = "confirmed"
		}
		if s.Decision.Reason != "" {
			decision += " (" + s.Decision.Reason + ")"
		}
		fmt.Fprintf(w, "Decision: %s\n", decision)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", s.Error)
	}
	if s.Result != nil && s.Result.Record != nil {
		fmt.Fprintf(w, "Hash:     %s\n", s.Result.Record.Hash)
		fmt.Fprintf(w, "Total:    %s ETH\n", s.Result.Record.Total)
	}
}

// getTemporalClient connects to Temporal using the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	queue := strings.TrimSpace(c.String("temporal-task-queue"))
	if queue == "" {
		queue = "contractgate-writes"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tc, err := temporal.NewClient(host, namespace, queue, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}
