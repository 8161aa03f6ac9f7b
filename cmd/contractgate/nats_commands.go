package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/contractgate/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

var durableFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "durable",
		Aliases: []string{"d"},
		Usage:   "Create a durable consumer (survives restarts)",
	},
	&cli.StringFlag{
		Name:  "consumer-name",
		Usage: "Consumer name (required for durable)",
		Value: "contractgate-cli",
	},
}

// subscribeCommand streams recorded transactions.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to recorded transaction events",
		ArgsUsage: "[from_address]",
		Description: `Stream transaction events published to NATS JetStream.

Events are published to the subject txns.{from_address}. Without an address
every sender is streamed.

Example:
  contractgate --json nats subscribe 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266`,
		Flags: durableFlags,
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() == 1 {
				subject = natspkg.TransactionSubject(c.Args().First())
			}
			count := 0
			return consume(c, natspkg.StreamName, subject, func(w io.Writer, data []byte) error {
				var event natspkg.TransactionEvent
				if err := json.Unmarshal(data, &event); err != nil {
					return err
				}
				count++
				if wantsJSON(c) {
					return writeLine(w, event)
				}
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Transaction #%d\n", count)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Hash:         %s\n", event.Hash)
				fmt.Fprintf(w, "Function:     %s\n", event.Title)
				fmt.Fprintf(w, "From:         %s\n", event.FromAddress)
				fmt.Fprintf(w, "To:           %s\n", event.ToAddress)
				fmt.Fprintf(w, "Value:        %s ETH\n", event.Value)
				fmt.Fprintf(w, "Gas fee:      %s ETH\n", event.GasFee)
				fmt.Fprintf(w, "Total:        %s ETH\n", event.Total)
				fmt.Fprintf(w, "Block:        %d\n", event.BlockNumber)
				fmt.Fprintf(w, "Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

// subscribeConfirmationsCommand streams confirmation lifecycle events.
func subscribeConfirmationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "confirmations",
		Usage: "Subscribe to confirmation lifecycle events",
		Description: `Stream pending, confirmed, rejected and dismissed events for writes that
wait on the server's confirmation queue.

Example:
  contractgate nats confirmations`,
		Flags: durableFlags,
		Action: func(c *cli.Context) error {
			return consume(c, natspkg.ConfirmationStreamName, natspkg.ConfirmationStreamSubjects, func(w io.Writer, data []byte) error {
				var event natspkg.ConfirmationEvent
				if err := json.Unmarshal(data, &event); err != nil {
					return err
				}
				if wantsJSON(c) {
					return writeLine(w, event)
				}
				line := fmt.Sprintf("%s  %-10s %s  %s.%s",
					event.Timestamp.Format(time.RFC3339), event.State, event.RequestID,
					event.ContractName, event.FunctionName)
				if event.Reason != "" {
					line += "  (" + event.Reason + ")"
				}
				fmt.Fprintln(w, line)
				return nil
			})
		},
	}
}

// consume relays messages on subject to handle until interrupted.
func consume(c *cli.Context, stream, subject string, handle func(io.Writer, []byte) error) error {
	natsURL := c.String("nats-url")
	nc, err := natspkg.Connect(natsURL, "contractgate-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	out := c.App.Writer
	if !wantsJSON(c) {
		fmt.Fprintf(out, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(out, "   NATS: %s\n", natsURL)
		if c.Bool("durable") {
			fmt.Fprintf(out, "   Consumer: %s (durable)\n", c.String("consumer-name"))
		}
		fmt.Fprintf(out, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if c.Bool("durable") {
		consumerConfig.Durable = c.String("consumer-name")
		consumerConfig.Name = c.String("consumer-name")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cons, err := js.CreateOrUpdateConsumer(ctx, stream, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgChan <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	for {
		select {
		case msg := <-msgChan:
			if err := handle(out, msg.Data()); err != nil && !wantsJSON(c) {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
			}
			msg.Ack()
		case <-ctx.Done():
			if !wantsJSON(c) {
				fmt.Fprintln(out, "\nShutting down...")
			}
			return nil
		}
	}
}

// writeLine writes v as a single JSON line.
func writeLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// inspectStreamCommand shows information about a JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect a JetStream stream",
		Description: `Show message count, consumers, storage and configuration of the
TRANSACTIONS (default) or CONFIRMATIONS stream.

Example:
  contractgate nats inspect-stream --stream CONFIRMATIONS`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "stream",
				Value: natspkg.StreamName,
				Usage: "Stream name",
			},
		},
		Action: func(c *cli.Context) error {
			nc, err := natspkg.Connect(c.String("nats-url"), "contractgate-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, c.String("stream"))
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return render(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			})
		},
	}
}
