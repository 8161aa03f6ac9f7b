// Package confirm implements confirmation gates: surfaces that show a
// pending contract write to a human and relay the decision back.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/contractgate/service/mediator"
	"github.com/brojonat/contractgate/service/metrics"
	natspkg "github.com/brojonat/contractgate/service/nats"
)

// ErrNotPending is returned when confirming or rejecting an id that is not
// awaiting a decision (unknown, already answered or withdrawn).
var ErrNotPending = errors.New("no pending confirmation with that id")

// Pending is a write waiting for a decision.
type Pending struct {
	Descriptor  mediator.CallDescriptor `json:"descriptor"`
	PresentedAt time.Time               `json:"presented_at"`
}

type entry struct {
	pending Pending
	confirm func()
	reject  func(string)
}

// Registry is a Gate that parks presentations until an approver answers
// them by id, typically through the HTTP API. It announces lifecycle
// changes on NATS when a publisher is configured.
type Registry struct {
	mu        sync.Mutex
	pending   map[string]*entry
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. publisher and metrics may be nil.
func NewRegistry(publisher natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		pending:   make(map[string]*entry),
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Present implements mediator.Gate.
func (r *Registry) Present(ctx context.Context, d mediator.CallDescriptor, confirm func(), reject func(reason string)) {
	e := &entry{
		pending: Pending{Descriptor: d, PresentedAt: time.Now().UTC()},
		confirm: confirm,
		reject:  reject,
	}

	r.mu.Lock()
	r.pending[d.ID] = e
	r.mu.Unlock()

	r.gauge(1)
	r.logger.InfoContext(ctx, "confirmation pending",
		"request_id", d.ID,
		"contract", d.ContractName,
		"function", d.FunctionName,
		"from", d.From,
	)
	r.announce(ctx, d, natspkg.ConfirmationPending, "")
}

// Dismiss implements mediator.Gate.
func (r *Registry) Dismiss(id string) {
	e, ok := r.take(id)
	if !ok {
		return
	}
	r.logger.Info("confirmation withdrawn", "request_id", id)
	r.announce(context.Background(), e.pending.Descriptor, natspkg.ConfirmationDismissed, "")
}

// Confirm approves the pending write id.
func (r *Registry) Confirm(ctx context.Context, id string) error {
	e, ok := r.take(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	r.logger.InfoContext(ctx, "confirmation approved", "request_id", id)
	e.confirm()
	r.announce(ctx, e.pending.Descriptor, natspkg.ConfirmationConfirmed, "")
	return nil
}

// Reject declines the pending write id.
func (r *Registry) Reject(ctx context.Context, id, reason string) error {
	e, ok := r.take(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	r.logger.InfoContext(ctx, "confirmation rejected", "request_id", id, "reason", reason)
	e.reject(reason)
	r.announce(ctx, e.pending.Descriptor, natspkg.ConfirmationRejected, reason)
	return nil
}

// List returns the pending writes, oldest first.
func (r *Registry) List() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, e.pending)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PresentedAt.Equal(out[j].PresentedAt) {
			return out[i].Descriptor.ID < out[j].Descriptor.ID
		}
		return out[i].PresentedAt.Before(out[j].PresentedAt)
	})
	return out
}

// Get returns the pending write id.
func (r *Registry) Get(id string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if !ok {
		return Pending{}, false
	}
	return e.pending, true
}

// take removes id so that exactly one caller gets to answer it.
func (r *Registry) take(id string) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		r.gauge(-1)
	}
	return e, ok
}

func (r *Registry) gauge(delta float64) {
	if r.metrics != nil {
		r.metrics.RecordPendingConfirmationChange(delta)
	}
}

func (r *Registry) announce(ctx context.Context, d mediator.CallDescriptor, state, reason string) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	value := "0"
	if d.Value != nil {
		value = d.Value.String()
	}
	err := r.publisher.PublishConfirmation(ctx, &natspkg.ConfirmationEvent{
		RequestID:       d.ID,
		State:           state,
		ContractName:    d.ContractName,
		ContractAddress: d.ContractAddress,
		FunctionName:    d.FunctionName,
		Args:            d.Args,
		Value:           value,
		GasLimit:        d.GasLimit,
		Reason:          reason,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to publish confirmation event",
			"request_id", d.ID,
			"state", state,
			"error", err,
		)
	}
}
