// Package client is an HTTP client for the contractgate API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client is the HTTP client for the contractgate service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Read performs a read-only contract call.
func (c *Client) Read(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	var out ReadResult
	if err := c.do(ctx, "POST", "/api/v1/read", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accessories lists the tokens of an accessory contract held by owner.
// An empty owner selects the server's connected account.
func (c *Client) Accessories(ctx context.Context, contract, owner string) ([]Token, error) {
	path := "/api/v1/accessories/" + url.PathEscape(contract)
	if owner != "" {
		path += "?owner=" + url.QueryEscape(owner)
	}
	var out struct {
		Accessories []Token `json:"accessories"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Accessories, nil
}

// Composable reads a composable token.
func (c *Client) Composable(ctx context.Context, contract, tokenID string) (*Composable, error) {
	path := fmt.Sprintf("/api/v1/composables/%s/%s", url.PathEscape(contract), url.PathEscape(tokenID))
	var out Composable
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartWrite starts a mediated write and returns its descriptor. The write
// proceeds once an approver confirms it.
func (c *Client) StartWrite(ctx context.Context, req WriteRequest) (*Descriptor, error) {
	return c.startWrite(ctx, "/api/v1/writes", req)
}

// AttachAccessory starts a write that moves an accessory token into a
// composable token.
func (c *Client) AttachAccessory(ctx context.Context, accessory, composable, accessoryID, composableID string) (*Descriptor, error) {
	body := map[string]string{
		"composable":    composable,
		"accessory_id":  accessoryID,
		"composable_id": composableID,
	}
	return c.startWrite(ctx, "/api/v1/accessories/"+url.PathEscape(accessory)+"/attach", body)
}

// RemoveAccessories starts a write that detaches every accessory from a
// composable token.
func (c *Client) RemoveAccessories(ctx context.Context, composable, tokenID string) (*Descriptor, error) {
	path := fmt.Sprintf("/api/v1/composables/%s/%s/remove-accessories", url.PathEscape(composable), url.PathEscape(tokenID))
	return c.startWrite(ctx, path, nil)
}

func (c *Client) startWrite(ctx context.Context, path string, body any) (*Descriptor, error) {
	var out struct {
		RequestID  string     `json:"request_id"`
		Descriptor Descriptor `json:"descriptor"`
	}
	if err := c.do(ctx, "POST", path, body, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("write started", "request_id", out.RequestID, "function", out.Descriptor.FunctionName)
	return &out.Descriptor, nil
}

// GetWrite returns the progress of a write.
func (c *Client) GetWrite(ctx context.Context, id string) (*Write, error) {
	var out Write
	if err := c.do(ctx, "GET", "/api/v1/writes/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWrites returns recent writes, newest first, and the state of every
// busy contract function.
func (c *Client) ListWrites(ctx context.Context) ([]Write, map[string]string, error) {
	var out struct {
		Writes []Write           `json:"writes"`
		Active map[string]string `json:"active"`
	}
	if err := c.do(ctx, "GET", "/api/v1/writes", nil, http.StatusOK, &out); err != nil {
		return nil, nil, err
	}
	return out.Writes, out.Active, nil
}

// AwaitWrite polls a write until it ends or ctx is done.
func (c *Client) AwaitWrite(ctx context.Context, id string, interval time.Duration) (*Write, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w, err := c.GetWrite(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.terminal() {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for write %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ListConfirmations returns the writes waiting for a decision, oldest first.
func (c *Client) ListConfirmations(ctx context.Context) ([]Pending, error) {
	var out struct {
		Confirmations []Pending `json:"confirmations"`
	}
	if err := c.do(ctx, "GET", "/api/v1/confirmations", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Confirmations, nil
}

// Confirm approves a pending write.
func (c *Client) Confirm(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/api/v1/confirmations/"+url.PathEscape(id)+"/confirm", nil, http.StatusOK, nil)
}

// Reject declines a pending write.
func (c *Client) Reject(ctx context.Context, id, reason string) error {
	return c.do(ctx, "POST", "/api/v1/confirmations/"+url.PathEscape(id)+"/reject", rejectBody(reason), http.StatusOK, nil)
}

// ListTransactions returns recorded transactions, newest first. An empty
// from lists every sender; limit 0 uses the server default.
func (c *Client) ListTransactions(ctx context.Context, from string, limit, offset int) ([]Transaction, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// StartDurableWrite starts a workflow-backed write and returns its id.
func (c *Client) StartDurableWrite(ctx context.Context, req DurableWriteRequest) (string, error) {
	body := struct {
		WriteRequest
		ConfirmationTimeout string `json:"confirmation_timeout,omitempty"`
	}{WriteRequest: req.WriteRequest}
	if req.ConfirmationTimeout > 0 {
		body.ConfirmationTimeout = req.ConfirmationTimeout.String()
	}
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, "POST", "/api/v1/durable-writes", body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// GetDurableWrite queries a workflow-backed write.
func (c *Client) GetDurableWrite(ctx context.Context, id string) (*DurableWrite, error) {
	var out DurableWrite
	if err := c.do(ctx, "GET", "/api/v1/durable-writes/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmDurable approves a workflow-backed write.
func (c *Client) ConfirmDurable(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/api/v1/durable-writes/"+url.PathEscape(id)+"/confirm", nil, http.StatusAccepted, nil)
}

// RejectDurable declines a workflow-backed write.
func (c *Client) RejectDurable(ctx context.Context, id, reason string) error {
	return c.do(ctx, "POST", "/api/v1/durable-writes/"+url.PathEscape(id)+"/reject", rejectBody(reason), http.StatusAccepted, nil)
}

// AwaitTransaction subscribes to the transaction stream and returns the
// first event accepted by matcher. An empty address streams every sender.
func (c *Client) AwaitTransaction(ctx context.Context, address string, matcher func(*Event) bool) (*Event, error) {
	path := "/api/v1/stream/transactions"
	if address != "" {
		path += "/" + url.PathEscape(address)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default client timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "" && event != "transaction" {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				c.logger.Debug("skipping undecodable event", "error", err)
				continue
			}
			if matcher == nil || matcher(&ev) {
				return &ev, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("timeout waiting for transaction: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return nil, errors.New("stream closed before a matching transaction arrived")
}

func rejectBody(reason string) any {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}

// do sends body as JSON and decodes the response into out when the status
// matches want.
func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
