package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/contractgate/service/accessory"
	"github.com/brojonat/contractgate/service/accounts"
	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/mediator"
	"github.com/brojonat/contractgate/service/temporal"
	"github.com/google/uuid"
)

const defaultTrackerRetention = 1000

// WriteStatus is the externally visible progress of a mediated write.
type WriteStatus struct {
	RequestID  string                  `json:"request_id"`
	Descriptor mediator.CallDescriptor `json:"descriptor"`
	State      mediator.State          `json:"state"`
	Done       bool                    `json:"done"`
	Error      string                  `json:"error,omitempty"`
	Result     *mediator.Result        `json:"result,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// WriteTracker remembers recent writes started over HTTP. Its Observe
// method is meant to be installed as mediator.Deps.OnStateChange.
type WriteTracker struct {
	mu     sync.Mutex
	writes map[string]*WriteStatus
	order  []string
	retain int
	now    func() time.Time
}

// NewWriteTracker creates a tracker that keeps the most recent finished writes.
func NewWriteTracker() *WriteTracker {
	return &WriteTracker{
		writes: make(map[string]*WriteStatus),
		retain: defaultTrackerRetention,
		now:    time.Now,
	}
}

// Start registers a write that is about to be presented.
func (t *WriteTracker) Start(d mediator.CallDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	t.writes[d.ID] = &WriteStatus{
		RequestID:  d.ID,
		Descriptor: d,
		State:      mediator.Idle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.order = append(t.order, d.ID)
	t.evict()
}

// Observe records a state transition. Unknown ids are ignored.
func (t *WriteTracker) Observe(id string, s mediator.State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.writes[id]
	if !ok || ws.Done {
		return
	}
	ws.State = s
	if err != nil {
		ws.Error = err.Error()
	}
	ws.UpdatedAt = t.now().UTC()
}

// Finish records the outcome of Write.
func (t *WriteTracker) Finish(id string, res *mediator.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.writes[id]
	if !ok {
		return
	}
	ws.Done = true
	ws.Result = res
	ws.UpdatedAt = t.now().UTC()
	switch {
	case err == nil:
		ws.State = mediator.Confirmed
	case errors.Is(err, evm.ErrTransactionRejected):
		ws.State = mediator.Rejected
		ws.Error = err.Error()
	default:
		ws.State = mediator.Failed
		ws.Error = err.Error()
	}
}

// Get returns a copy of the status for id.
func (t *WriteTracker) Get(id string) (WriteStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.writes[id]
	if !ok {
		return WriteStatus{}, false
	}
	return *ws, true
}

// List returns all tracked writes, newest first.
func (t *WriteTracker) List() []WriteStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WriteStatus, 0, len(t.writes))
	for _, ws := range t.writes {
		out = append(out, *ws)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// evict drops the oldest finished writes beyond the retention limit.
// Callers hold t.mu.
func (t *WriteTracker) evict() {
	excess := len(t.order) - t.retain
	if excess <= 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if excess > 0 && t.writes[id].Done {
			delete(t.writes, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// writeRequest is the body of POST /api/v1/writes.
type writeRequest struct {
	Contract      string `json:"contract"`
	Function      string `json:"function"`
	Args          []any  `json:"args"`
	Value         string `json:"value"` // wei, decimal or 0x hex
	GasLimit      uint64 `json:"gas_limit"`
	Confirmations uint64 `json:"confirmations"`
}

// handleStartWrite returns a handler that starts a mediated write. The
// write waits for a decision through the confirmation endpoints.
// POST /api/v1/writes
func handleStartWrite(writes *mediator.Set, tracker *WriteTracker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body writeRequest
		if !decodeBody(w, r, &body, logger) {
			return
		}
		if body.Contract == "" || body.Function == "" {
			writeError(w, "contract and function are required", http.StatusBadRequest)
			return
		}
		value, err := evm.ParseWei(body.Value)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid value: %v", err), http.StatusBadRequest)
			return
		}

		startWrite(w, r, writes, tracker, logger, body.Contract, body.Function, mediator.WriteRequest{
			Args:          body.Args,
			Value:         value,
			GasLimit:      body.GasLimit,
			Confirmations: body.Confirmations,
		})
	})
}

// attachRequest is the body of POST /api/v1/accessories/{contract}/attach.
type attachRequest struct {
	Composable   string `json:"composable"`
	AccessoryID  string `json:"accessory_id"`
	ComposableID string `json:"composable_id"`
}

// handleAttachAccessory returns a handler that starts a write moving an
// accessory token into a composable token via safeTransferFrom.
// POST /api/v1/accessories/{contract}/attach
func handleAttachAccessory(dir contracts.Directory, conn *accounts.Connected, writes *mediator.Set, tracker *WriteTracker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body attachRequest
		if !decodeBody(w, r, &body, logger) {
			return
		}
		composable, ok := dir.Lookup(body.Composable)
		if !ok {
			writeError(w, fmt.Sprintf("contract %q is not deployed", body.Composable), http.StatusNotFound)
			return
		}
		accessoryID, err := parseTokenID(body.AccessoryID)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		composableID, err := parseTokenID(body.ComposableID)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		owner, err := conn.Address()
		if err != nil {
			writeFailure(w, r, logger, "no connected account", err)
			return
		}

		args, err := accessory.AttachArgs(owner.Hex(), composable.Address, accessoryID, composableID)
		if err != nil {
			writeFailure(w, r, logger, "invalid attach", err)
			return
		}
		startWrite(w, r, writes, tracker, logger, r.PathValue("contract"), "safeTransferFrom", mediator.WriteRequest{Args: args})
	})
}

// handleRemoveAccessories returns a handler that starts a write detaching
// every accessory from a composable token.
// POST /api/v1/composables/{contract}/{token_id}/remove-accessories
func handleRemoveAccessories(writes *mediator.Set, tracker *WriteTracker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenID, err := parseTokenID(r.PathValue("token_id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		startWrite(w, r, writes, tracker, logger, r.PathValue("contract"), "removeAllAccessories", mediator.WriteRequest{
			Args: []any{tokenID},
		})
	})
}

// startWrite reserves the function and validates the request synchronously,
// then runs the write in the background and answers 202 with its request id.
func startWrite(w http.ResponseWriter, r *http.Request, writes *mediator.Set, tracker *WriteTracker, logger *slog.Logger, contract, function string, req mediator.WriteRequest) {
	req.ID = uuid.NewString()
	reservation, err := writes.For(contract, function).Reserve(r.Context(), req)
	if err != nil {
		writeFailure(w, r, logger, "write not started", err)
		return
	}
	d := reservation.Descriptor

	tracker.Start(d)
	go func() {
		res, err := reservation.Run(context.Background())
		tracker.Finish(d.ID, res, err)
	}()

	logger.InfoContext(r.Context(), "write started",
		"request_id", d.ID,
		"contract", contract,
		"function", function,
	)
	writeJSON(w, map[string]interface{}{
		"request_id": d.ID,
		"descriptor": d,
	}, http.StatusAccepted)
}

// handleGetWrite returns a handler that reports a write's progress.
// GET /api/v1/writes/{id}
func handleGetWrite(tracker *WriteTracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, ok := tracker.Get(r.PathValue("id"))
		if !ok {
			writeError(w, "write not found", http.StatusNotFound)
			return
		}
		writeJSON(w, ws, http.StatusOK)
	})
}

// handleListWrites returns a handler that lists tracked writes and the
// state of every busy mediator.
// GET /api/v1/writes
func handleListWrites(writes *mediator.Set, tracker *WriteTracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := tracker.List()
		writeJSON(w, map[string]interface{}{
			"writes": list,
			"count":  len(list),
			"active": writes.States(),
		}, http.StatusOK)
	})
}

// durableWriteRequest is the body of POST /api/v1/durable-writes.
type durableWriteRequest struct {
	writeRequest
	ConfirmationTimeout string `json:"confirmation_timeout"`
}

// handleStartDurableWrite returns a handler that starts a workflow-backed write.
// POST /api/v1/durable-writes
func handleStartDurableWrite(durable DurableWrites, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body durableWriteRequest
		if !decodeBody(w, r, &body, logger) {
			return
		}
		if body.Contract == "" || body.Function == "" {
			writeError(w, "contract and function are required", http.StatusBadRequest)
			return
		}
		if _, err := evm.ParseWei(body.Value); err != nil {
			writeError(w, fmt.Sprintf("invalid value: %v", err), http.StatusBadRequest)
			return
		}
		var timeout time.Duration
		if body.ConfirmationTimeout != "" {
			d, err := time.ParseDuration(body.ConfirmationTimeout)
			if err != nil || d < 0 {
				writeError(w, "invalid confirmation_timeout: must be a non-negative duration", http.StatusBadRequest)
				return
			}
			timeout = d
		}

		id, err := durable.StartWrite(r.Context(), temporal.WriteInput{
			ContractName:        body.Contract,
			FunctionName:        body.Function,
			Args:                body.Args,
			Value:               body.Value,
			GasLimit:            body.GasLimit,
			Confirmations:       body.Confirmations,
			ConfirmationTimeout: timeout,
		})
		if err != nil {
			writeFailure(w, r, logger, "failed to start durable write", err)
			return
		}
		writeJSON(w, map[string]string{"request_id": id}, http.StatusAccepted)
	})
}

// handleGetDurableWrite returns a handler that queries a durable write.
// GET /api/v1/durable-writes/{id}
func handleGetDurableWrite(durable DurableWrites, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, err := durable.State(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, r, logger, "failed to query durable write", err)
			return
		}
		writeJSON(w, state, http.StatusOK)
	})
}

// handleSignalDurableWrite returns a handler that delivers a decision to a
// durable write.
// POST /api/v1/durable-writes/{id}/confirm
// POST /api/v1/durable-writes/{id}/reject
func handleSignalDurableWrite(durable DurableWrites, confirmed bool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		decision := "confirmed"
		if confirmed {
			err = durable.Confirm(r.Context(), id)
		} else {
			reason, ok := decodeReason(w, r, logger)
			if !ok {
				return
			}
			decision = "rejected"
			err = durable.Reject(r.Context(), id, reason)
		}
		if err != nil {
			writeFailure(w, r, logger, "failed to signal durable write", err)
			return
		}
		writeJSON(w, map[string]string{"request_id": id, "decision": decision}, http.StatusAccepted)
	})
}
