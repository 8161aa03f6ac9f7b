package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/contractgate/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing events to NATS.
type Publisher interface {
	// PublishTransaction publishes a recorded transaction to JetStream.
	// The event is published to the subject "txns.{from_address}".
	PublishTransaction(ctx context.Context, event *TransactionEvent) error

	// PublishConfirmation publishes a confirmation lifecycle change to
	// "confirmations.{state}".
	PublishConfirmation(ctx context.Context, event *ConfirmationEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for transactions.
	StreamName = "TRANSACTIONS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "txns.*"

	// ConfirmationStreamName holds confirmation lifecycle events.
	ConfirmationStreamName = "CONFIRMATIONS"

	// ConfirmationStreamSubjects is the subject pattern for confirmations.
	ConfirmationStreamSubjects = "confirmations.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour

	// ConfirmationRetention is short: a confirmation is only actionable
	// while its write is pending.
	ConfirmationRetention = 24 * time.Hour
)

// Connect dials NATS with the reconnect policy shared by publishers and
// subscribers.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the streams exist.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "contractgate-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	streams := []jetstream.StreamConfig{
		{
			Name:        StreamName,
			Description: "Recorded contract transactions",
			Subjects:    []string{StreamSubjects},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      StreamRetention,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        ConfirmationStreamName,
			Description: "Write confirmation lifecycle events",
			Subjects:    []string{ConfirmationStreamSubjects},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      ConfirmationRetention,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
	}
	for _, cfg := range streams {
		if err := publisher.ensureStream(cfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
		}
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream(cfg jetstream.StreamConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, cfg.Name)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", cfg.Name,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", cfg.Name)
	if _, err := p.js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	p.logger.Info("JetStream stream created successfully", "stream", cfg.Name)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishTransaction publishes a single transaction event.
func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}
	if err := p.publish(ctx, event.Subject(), event); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "published transaction event",
		"subject", event.Subject(),
		"hash", event.Hash,
	)
	return nil
}

// PublishConfirmation publishes a confirmation lifecycle event.
func (p *JetStreamPublisher) PublishConfirmation(ctx context.Context, event *ConfirmationEvent) error {
	if err := p.publish(ctx, event.Subject(), event); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "published confirmation event",
		"subject", event.Subject(),
		"request_id", event.RequestID,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
