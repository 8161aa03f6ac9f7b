// Package reader executes read-only contract calls on behalf of the
// connected account.
package reader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/metrics"
)

// ActiveAccount yields the credential of the connected account.
type ActiveAccount interface {
	Active() (evm.Credential, error)
}

// Reader is the contract read facade. It holds no mutable state.
type Reader struct {
	accounts ActiveAccount
	provider evm.Provider
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a reader. If metrics is nil, no metrics will be recorded.
func New(accounts ActiveAccount, provider evm.Provider, m *metrics.Metrics, logger *slog.Logger) *Reader {
	return &Reader{
		accounts: accounts,
		provider: provider,
		metrics:  m,
		logger:   logger,
	}
}

// Read performs exactly one read-only call described by spec.
//
// An incomplete spec fails with evm.ErrInvalidSpec before any network
// activity. A single return value is returned as-is; functions with several
// outputs return []any in declaration order.
func (r *Reader) Read(ctx context.Context, spec evm.CallSpec) (any, error) {
	if err := spec.Validate(); err != nil {
		r.logger.WarnContext(ctx, "contract read skipped",
			"function", spec.FunctionName,
			"contract", spec.ContractAddress,
			"error", err,
		)
		r.record(spec.FunctionName, "invalid", time.Now())
		return nil, err
	}

	cred, err := r.accounts.Active()
	if err != nil {
		r.logger.WarnContext(ctx, "no credential for contract read",
			"function", spec.FunctionName,
			"error", err,
		)
		r.record(spec.FunctionName, "no_credential", time.Now())
		return nil, err
	}

	start := time.Now()
	values, err := r.provider.Call(ctx, cred.Address, spec)
	if err != nil {
		if !errors.Is(err, evm.ErrCallFailed) && !errors.Is(err, evm.ErrInvalidSpec) {
			err = evm.NewCallError(spec.FunctionName, err)
		}
		r.record(spec.FunctionName, "error", start)
		r.logger.ErrorContext(ctx, "contract read failed",
			"function", spec.FunctionName,
			"contract", spec.ContractAddress,
			"error", err,
		)
		return nil, err
	}
	r.record(spec.FunctionName, "success", start)

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}

// ReadMany performs the reads one after another and stops at the first
// failure. The results are NOT an atomic snapshot: blocks may advance
// between calls.
func (r *Reader) ReadMany(ctx context.Context, specs []evm.CallSpec) ([]any, error) {
	out := make([]any, 0, len(specs))
	for _, spec := range specs {
		v, err := r.Read(ctx, spec)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Reader) record(function, status string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordContractRead(function, status, time.Since(start).Seconds())
	}
}

// Bound repeats a spec fixed at construction, varying only the arguments.
type Bound struct {
	reader *Reader
	spec   evm.CallSpec

	// OnError, when set, observes every failed read. The error is still
	// returned to the caller.
	OnError func(error)
}

// Bind returns a Bound reader for spec.
func (r *Reader) Bind(spec evm.CallSpec, onError func(error)) *Bound {
	return &Bound{reader: r, spec: spec, OnError: onError}
}

// Read calls the bound function with args. With no args the bound spec's
// own arguments are used.
func (b *Bound) Read(ctx context.Context, args ...any) (any, error) {
	spec := b.spec
	if len(args) > 0 {
		spec = spec.WithArgs(args...)
	}
	v, err := b.reader.Read(ctx, spec)
	if err != nil && b.OnError != nil {
		b.OnError(err)
	}
	return v, err
}

// Spec returns the bound spec.
func (b *Bound) Spec() evm.CallSpec {
	return b.spec
}
