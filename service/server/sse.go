package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/contractgate/service/metrics"
	natspkg "github.com/brojonat/contractgate/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SSEPublisher manages Server-Sent Events connections backed by JetStream.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "contractgate-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamTransactions streams recorded transactions.
// If the address path parameter is empty, streams every sender.
// GET /api/v1/stream/transactions[/{address}]
func handleStreamTransactions(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		subject, desc := natspkg.StreamSubjects, "all accounts"
		if address != "" {
			subject, desc = natspkg.TransactionSubject(address), strings.ToLower(address)
		}
		stream(w, r, publisher, m, logger, streamSpec{
			stream:  natspkg.StreamName,
			subject: subject,
			desc:    desc,
			event:   "transaction",
			decode: func(data []byte) (any, error) {
				var ev natspkg.TransactionEvent
				err := json.Unmarshal(data, &ev)
				return ev, err
			},
		})
	})
}

// handleStreamConfirmations streams confirmation lifecycle events so
// approver UIs learn about new pending writes without polling.
// GET /api/v1/stream/confirmations
func handleStreamConfirmations(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream(w, r, publisher, m, logger, streamSpec{
			stream:  natspkg.ConfirmationStreamName,
			subject: natspkg.ConfirmationStreamSubjects,
			desc:    "confirmations",
			event:   "confirmation",
			decode: func(data []byte) (any, error) {
				var ev natspkg.ConfirmationEvent
				err := json.Unmarshal(data, &ev)
				return ev, err
			},
		})
	})
}

type streamSpec struct {
	stream  string
	subject string
	desc    string
	event   string
	decode  func([]byte) (any, error)
}

// stream relays new messages on spec.subject to the client until it
// disconnects.
func stream(w http.ResponseWriter, r *http.Request, publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger, spec streamSpec) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	flush()

	logger.DebugContext(r.Context(), "SSE client connected",
		"stream", spec.desc,
		"remote_addr", r.RemoteAddr,
	)
	if m != nil {
		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)
	}

	// Ephemeral consumer, deleted when the connection closes.
	cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), spec.stream, jetstream.ConsumerConfig{
		FilterSubject: spec.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to create consumer",
			"stream", spec.desc,
			"error", err,
		)
		fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
		return
	}

	msgChan := make(chan jetstream.Msg, 10)
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgChan <- msg:
			case <-r.Context().Done():
				return
			}
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start consuming messages",
				"error", err,
			)
			return
		}
		<-r.Context().Done()
		cc.Stop()
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"stream\":%q}\n\n", spec.desc)
	flush()

	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()

		case msg := <-msgChan:
			ev, err := spec.decode(msg.Data())
			if err != nil {
				logger.WarnContext(r.Context(), "failed to unmarshal event",
					"error", err,
				)
				msg.Ack()
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.WarnContext(r.Context(), "failed to marshal event",
					"error", err,
				)
				msg.Ack()
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", spec.event, data)
			flush()
			msg.Ack()
			if m != nil {
				m.RecordSSEEventSent(spec.event)
			}

			logger.DebugContext(r.Context(), "sent event",
				"stream", spec.desc,
				"subject", msg.Subject(),
			)

		case <-r.Context().Done():
			logger.DebugContext(r.Context(), "SSE client disconnected",
				"stream", spec.desc,
				"remote_addr", r.RemoteAddr,
			)
			return

		case <-doneChan:
			return
		}
	}
}
