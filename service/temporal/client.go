package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/contractgate/service/metrics"
	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrWriteNotFound is returned when no write workflow has the given id.
var ErrWriteNotFound = errors.New("write workflow not found")

// Client starts and steers durable write workflows.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")
	return NewClientFrom(c, taskQueue, m, logger), nil
}

// NewClientFrom wraps an existing SDK client.
func NewClientFrom(c client.Client, taskQueue string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{client: c, taskQueue: taskQueue, metrics: m, logger: logger}
}

// WorkflowID returns the workflow id used for a write request id.
func WorkflowID(requestID string) string {
	return "contract-write-" + requestID
}

// StartWrite starts a ContractWriteWorkflow and returns its request id.
func (c *Client) StartWrite(ctx context.Context, input WriteInput) (string, error) {
	if input.RequestID == "" {
		input.RequestID = uuid.NewString()
	}

	_, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(input.RequestID),
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"contract":   input.ContractName,
			"function":   input.FunctionName,
			"created_by": "contractgate",
		},
	}, ContractWriteWorkflow, input)
	if c.metrics != nil {
		c.metrics.RecordWriteWorkflowStarted(input.ContractName, err)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start write workflow",
			"request_id", input.RequestID,
			"error", err,
		)
		return "", fmt.Errorf("failed to start write workflow: %w", err)
	}

	c.logger.InfoContext(ctx, "write workflow started",
		"request_id", input.RequestID,
		"contract", input.ContractName,
		"function", input.FunctionName,
	)
	return input.RequestID, nil
}

// Confirm approves the pending write.
func (c *Client) Confirm(ctx context.Context, requestID string) error {
	return c.signal(ctx, requestID, Decision{Confirmed: true})
}

// Reject declines the pending write.
func (c *Client) Reject(ctx context.Context, requestID, reason string) error {
	return c.signal(ctx, requestID, Decision{Reason: reason})
}

func (c *Client) signal(ctx context.Context, requestID string, d Decision) error {
	err := c.client.SignalWorkflow(ctx, WorkflowID(requestID), "", ConfirmationSignal, d)
	if err != nil {
		return fmt.Errorf("failed to signal write %s: %w", requestID, notFound(err))
	}
	c.logger.InfoContext(ctx, "confirmation signaled",
		"request_id", requestID,
		"confirmed", d.Confirmed,
	)
	return nil
}

// State queries the current state of a write workflow.
func (c *Client) State(ctx context.Context, requestID string) (*WriteState, error) {
	resp, err := c.client.QueryWorkflow(ctx, WorkflowID(requestID), "", ConfirmationStateQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query write %s: %w", requestID, notFound(err))
	}
	var state WriteState
	if err := resp.Get(&state); err != nil {
		return nil, fmt.Errorf("failed to decode write state: %w", err)
	}
	return &state, nil
}

// Wait blocks until the workflow completes and returns its result.
func (c *Client) Wait(ctx context.Context, requestID string) (*WriteResult, error) {
	var res WriteResult
	if err := c.client.GetWorkflow(ctx, WorkflowID(requestID), "").Get(ctx, &res); err != nil {
		return nil, TypedError(notFound(err))
	}
	return &res, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func notFound(err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", ErrWriteNotFound, err)
	}
	return err
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
