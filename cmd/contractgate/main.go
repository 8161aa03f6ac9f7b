package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "contractgate",
		Usage: "Contract interaction gateway CLI",
		Description: `A command-line tool for reading contracts, approving writes and
inspecting the transaction history of a contractgate deployment.

Commands under "api" talk to a running server. "local" commands load the
server configuration and act directly on the node, asking for approval on
this terminal.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			apiCommands(),
			localCommands(),
			{
				Name:  "db",
				Usage: "Transaction ledger database commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listTransactionsCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Durable write workflow commands",
				Subcommands: []*cli.Command{
					startDurableWriteCommand(),
					durableStatusCommand(),
					durableDecisionCommand(true),
					durableDecisionCommand(false),
					durableWaitCommand(),
					listWorkflowsCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS event stream commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					subscribeConfirmationsCommand(),
					inspectStreamCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "contractgate server URL",
				EnvVars: []string{"CONTRACTGATE_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the write worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "contractgate-writes",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter JSON output through a jq expression (implies --json)",
			},
		},
	}
}
