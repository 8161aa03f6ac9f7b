package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// EVM RPC Metrics
	rpcCallsTotal      *prometheus.CounterVec
	rpcCallDuration    *prometheus.HistogramVec
	rpcBreakerChanges  *prometheus.CounterVec
	rpcRateLimitWaited *prometheus.HistogramVec

	// Contract read Metrics
	contractReadsTotal   *prometheus.CounterVec
	contractReadDuration *prometheus.HistogramVec

	// Accessory scan Metrics
	accessoryScansTotal    *prometheus.CounterVec
	accessoryScanDuration  *prometheus.HistogramVec
	accessoryTokensFound   *prometheus.CounterVec
	accessoryTokensSkipped *prometheus.CounterVec

	// Mediator Metrics
	mediatorWritesTotal      *prometheus.CounterVec
	confirmationWaitDuration *prometheus.HistogramVec
	pendingConfirmations     prometheus.Gauge

	// Ledger Metrics
	ledgerAppendsTotal *prometheus.CounterVec
	dbQueryDuration    *prometheus.HistogramVec
	dbOperationsTotal  *prometheus.CounterVec

	// Workflow Metrics
	writeWorkflowsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// EVM RPC Metrics
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_rpc_calls_total",
				Help: "Total number of EVM JSON-RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evm_rpc_call_duration_seconds",
				Help:    "Duration of EVM JSON-RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcBreakerChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_rpc_breaker_state_changes_total",
				Help: "Total number of RPC circuit breaker state transitions",
			},
			[]string{"endpoint", "to"},
		),
		rpcRateLimitWaited: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evm_rpc_rate_limit_wait_seconds",
				Help:    "Time spent waiting on the RPC rate limiter",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"endpoint"},
		),

		// Contract read Metrics
		contractReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_reads_total",
				Help: "Total number of contract reads by function and status",
			},
			[]string{"function", "status"},
		),
		contractReadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contract_read_duration_seconds",
				Help:    "Duration of contract reads in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"function"},
		),

		// Accessory scan Metrics
		accessoryScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessory_scans_total",
				Help: "Total number of accessory enumeration scans",
			},
			[]string{"contract", "status"},
		),
		accessoryScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessory_scan_duration_seconds",
				Help:    "Duration of accessory enumeration scans in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"contract"},
		),
		accessoryTokensFound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessory_tokens_decoded_total",
				Help: "Total number of accessory tokens decoded",
			},
			[]string{"contract"},
		),
		accessoryTokensSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessory_scan_skipped_total",
				Help: "Total number of token indices skipped during accessory scans",
			},
			[]string{"contract", "reason"},
		),

		// Mediator Metrics
		mediatorWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediator_writes_total",
				Help: "Total number of mediated contract writes by outcome",
			},
			[]string{"function", "outcome"},
		),
		confirmationWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirmation_wait_duration_seconds",
				Help:    "Time spent waiting for a human to answer the confirmation gate",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"outcome"},
		),
		pendingConfirmations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pending_confirmations",
				Help: "Number of writes currently awaiting confirmation",
			},
		),

		// Ledger Metrics
		ledgerAppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_appends_total",
				Help: "Total number of transaction records appended to the ledger",
			},
			[]string{"ledger", "status"},
		),
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// Workflow Metrics
		writeWorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "write_workflows_started_total",
				Help: "Total number of durable contract write workflows started",
			},
			[]string{"contract", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// EVM RPC metric helpers

// RecordRPCCall records an EVM JSON-RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordBreakerStateChange records a circuit breaker transition.
func (m *Metrics) RecordBreakerStateChange(endpoint, to string) {
	m.rpcBreakerChanges.WithLabelValues(endpoint, to).Inc()
}

// RecordRateLimitWait records how long a call was held by the rate limiter.
func (m *Metrics) RecordRateLimitWait(endpoint string, duration float64) {
	m.rpcRateLimitWaited.WithLabelValues(endpoint).Observe(duration)
}

// Read metric helpers

// RecordContractRead records a read facade call.
func (m *Metrics) RecordContractRead(function, status string, duration float64) {
	m.contractReadsTotal.WithLabelValues(function, status).Inc()
	m.contractReadDuration.WithLabelValues(function).Observe(duration)
}

// Accessory scan metric helpers

// RecordAccessoryScan records a completed (or aborted) enumeration scan.
func (m *Metrics) RecordAccessoryScan(contract, status string, duration float64, decoded int) {
	m.accessoryScansTotal.WithLabelValues(contract, status).Inc()
	m.accessoryScanDuration.WithLabelValues(contract).Observe(duration)
	m.accessoryTokensFound.WithLabelValues(contract).Add(float64(decoded))
}

// RecordAccessorySkipped records a token index skipped by the scan.
func (m *Metrics) RecordAccessorySkipped(contract, reason string) {
	m.accessoryTokensSkipped.WithLabelValues(contract, reason).Inc()
}

// Mediator metric helpers

// RecordWrite records the terminal outcome of a mediated write.
func (m *Metrics) RecordWrite(function, outcome string) {
	m.mediatorWritesTotal.WithLabelValues(function, outcome).Inc()
}

// RecordConfirmationWait records how long the gate took to resolve.
func (m *Metrics) RecordConfirmationWait(outcome string, duration float64) {
	m.confirmationWaitDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordPendingConfirmationChange adjusts the pending confirmation gauge.
func (m *Metrics) RecordPendingConfirmationChange(delta float64) {
	m.pendingConfirmations.Add(delta)
}

// Ledger metric helpers

// RecordLedgerAppend records a ledger append attempt.
func (m *Metrics) RecordLedgerAppend(ledger string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ledgerAppendsTotal.WithLabelValues(ledger, status).Inc()
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// Workflow metric helpers

// RecordWriteWorkflowStarted records a durable write workflow start attempt.
func (m *Metrics) RecordWriteWorkflowStarted(contract string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.writeWorkflowsTotal.WithLabelValues(contract, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
