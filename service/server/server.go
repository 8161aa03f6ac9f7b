package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/contractgate/service/accessory"
	"github.com/brojonat/contractgate/service/accounts"
	"github.com/brojonat/contractgate/service/confirm"
	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/mediator"
	"github.com/brojonat/contractgate/service/metrics"
	"github.com/brojonat/contractgate/service/reader"
	"github.com/brojonat/contractgate/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurableWrites starts and steers workflow-backed writes.
type DurableWrites interface {
	StartWrite(ctx context.Context, input temporal.WriteInput) (string, error)
	Confirm(ctx context.Context, requestID string) error
	Reject(ctx context.Context, requestID, reason string) error
	State(ctx context.Context, requestID string) (*temporal.WriteState, error)
}

// Deps are the components the HTTP API exposes. Durable, SSE and Metrics
// are optional; their endpoints are only mounted when set.
type Deps struct {
	Directory      contracts.Directory
	Accounts       *accounts.Connected
	Reader         *reader.Reader
	Scanner        *accessory.Scanner
	Writes         *mediator.Set
	Tracker        *WriteTracker
	Confirmations  *confirm.Registry
	Ledger         ledger.Ledger
	AccessoryNames []string
	Durable        DurableWrites
	SSE            *SSEPublisher
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Server represents the HTTP server for the contract gateway.
type Server struct {
	addr   string
	deps   Deps
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps) *Server {
	if deps.Tracker == nil {
		deps.Tracker = NewWriteTracker()
	}
	return &Server{addr: addr, deps: deps}
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	d := s.deps
	logger := d.Logger
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(d.Metrics, name)(h))
	}

	// Reads
	route("POST /api/v1/read", "/api/v1/read", handleRead(d.Directory, d.Reader, logger))
	route("GET /api/v1/accessories/{contract}", "/api/v1/accessories", handleListAccessories(d.Directory, d.Accounts, d.Scanner, logger))
	route("GET /api/v1/composables/{contract}/{token_id}", "/api/v1/composables", handleGetComposable(d.Directory, d.Scanner, d.AccessoryNames, logger))

	// Mediated writes
	route("POST /api/v1/writes", "/api/v1/writes", handleStartWrite(d.Writes, d.Tracker, logger))
	route("GET /api/v1/writes", "/api/v1/writes", handleListWrites(d.Writes, d.Tracker))
	route("GET /api/v1/writes/{id}", "/api/v1/writes/{id}", handleGetWrite(d.Tracker))
	route("POST /api/v1/accessories/{contract}/attach", "/api/v1/accessories/attach", handleAttachAccessory(d.Directory, d.Accounts, d.Writes, d.Tracker, logger))
	route("POST /api/v1/composables/{contract}/{token_id}/remove-accessories", "/api/v1/composables/remove-accessories", handleRemoveAccessories(d.Writes, d.Tracker, logger))

	// Confirmation gate
	route("GET /api/v1/confirmations", "/api/v1/confirmations", handleListConfirmations(d.Confirmations))
	route("POST /api/v1/confirmations/{id}/confirm", "/api/v1/confirmations/confirm", handleConfirm(d.Confirmations, logger))
	route("POST /api/v1/confirmations/{id}/reject", "/api/v1/confirmations/reject", handleReject(d.Confirmations, logger))

	// Ledger
	route("GET /api/v1/transactions", "/api/v1/transactions", handleListTransactions(d.Ledger, logger))

	// Durable writes (if a Temporal client is configured)
	if d.Durable != nil {
		route("POST /api/v1/durable-writes", "/api/v1/durable-writes", handleStartDurableWrite(d.Durable, logger))
		route("GET /api/v1/durable-writes/{id}", "/api/v1/durable-writes/{id}", handleGetDurableWrite(d.Durable, logger))
		route("POST /api/v1/durable-writes/{id}/confirm", "/api/v1/durable-writes/confirm", handleSignalDurableWrite(d.Durable, true, logger))
		route("POST /api/v1/durable-writes/{id}/reject", "/api/v1/durable-writes/reject", handleSignalDurableWrite(d.Durable, false, logger))
		logger.Info("durable write endpoints enabled")
	}

	// SSE streaming endpoints (if SSE publisher is configured)
	if d.SSE != nil {
		mux.Handle("GET /api/v1/stream/transactions/{address}", handleStreamTransactions(d.SSE, d.Metrics, logger))
		mux.Handle("GET /api/v1/stream/transactions", handleStreamTransactions(d.SSE, d.Metrics, logger))
		mux.Handle("GET /api/v1/stream/confirmations", handleStreamConfirmations(d.SSE, d.Metrics, logger))
		logger.Info("SSE streaming endpoints enabled")
	} else {
		logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE streams are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.deps.Logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.deps.SSE != nil {
		s.deps.SSE.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
