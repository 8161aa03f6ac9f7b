// Package mediator runs contract writes through an explicit approval step:
// a write is described, presented to a confirmation gate, and only signed
// and submitted once the approver confirms it.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/metrics"
	"github.com/google/uuid"
)

const (
	// DefaultGasLimit applies when neither the request nor the mediator
	// configuration sets one.
	DefaultGasLimit uint64 = 1_000_000

	// DefaultConfirmations is the number of blocks awaited after inclusion.
	DefaultConfirmations uint64 = 1
)

// CallDescriptor is the fully specified write handed to the gate and, after
// confirmation, to the signer.
type CallDescriptor struct {
	ID              string   `json:"id"`
	ContractName    string   `json:"contract_name"`
	ContractAddress string   `json:"contract_address"`
	FunctionName    string   `json:"function_name"`
	Args            []any    `json:"args"`
	From            string   `json:"from"`
	Value           *big.Int `json:"value"`
	GasLimit        uint64   `json:"gas_limit"`
	Confirmations   uint64   `json:"confirmations"`
}

// Gate presents a pending write to an approver.
//
// Present must return promptly. Exactly one of confirm or reject is expected
// to be called eventually, from any goroutine; extra calls are ignored.
// Dismiss withdraws a presentation nobody answered.
type Gate interface {
	Present(ctx context.Context, d CallDescriptor, confirm func(), reject func(reason string))
	Dismiss(id string)
}

// ActiveAccount yields the credential of the connected account.
type ActiveAccount interface {
	Active() (evm.Credential, error)
}

// Recorder appends confirmed transactions to the ledger.
type Recorder interface {
	Record(ctx context.Context, tx *evm.SubmittedTx, receipt *evm.Receipt) (*ledger.Record, error)
}

// Config binds a mediator to one contract function and its defaults.
type Config struct {
	ContractName string
	FunctionName string
	Args         []any
	Value        *big.Int

	// Zero selects DefaultGasLimit / DefaultConfirmations.
	GasLimit      uint64
	Confirmations uint64

	// ConfirmationTimeout bounds the wait for an approver. Zero waits
	// until the context ends.
	ConfirmationTimeout time.Duration
}

// Deps are the collaborators of a mediator.
type Deps struct {
	Directory contracts.Directory
	Accounts  ActiveAccount
	Provider  evm.Provider
	Gate      Gate
	Recorder  Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// OnStateChange, when set, observes every transition of every write.
	OnStateChange func(id string, s State, err error)
}

// WriteRequest overrides the bound defaults for one write. Nil Args and
// Value and zero numbers keep the defaults.
type WriteRequest struct {
	ID            string
	Args          []any
	Value         *big.Int
	GasLimit      uint64
	Confirmations uint64
}

// Result is a confirmed and recorded write.
type Result struct {
	Tx      *evm.SubmittedTx `json:"tx"`
	Receipt *evm.Receipt     `json:"receipt"`
	Record  *ledger.Record   `json:"record"`
}

// Mediator admits one write at a time.
type Mediator struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	busy  bool
	state State
}

// New creates a mediator for cfg.
func New(cfg Config, deps Deps) *Mediator {
	return &Mediator{cfg: cfg, deps: deps}
}

// State returns the stage of the write in flight, or Idle.
func (m *Mediator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Write describes the call, waits for the approver and, on confirmation,
// signs, submits, waits for inclusion and records the transaction.
//
// A write issued while another is unresolved fails with
// evm.ErrAlreadyInProgress. An unknown contract fails with
// evm.ErrContractNotDeployed before the gate is involved. A rejection fails
// with an error matching evm.ErrTransactionRejected and nothing is signed.
func (m *Mediator) Write(ctx context.Context, req WriteRequest) (*Result, error) {
	r, err := m.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// Reservation is a described write that holds its mediator's busy slot
// until Run returns or Cancel is called.
type Reservation struct {
	m          *Mediator
	Descriptor CallDescriptor

	once sync.Once
}

// Reserve claims the mediator and describes req without presenting it, so a
// caller can report busy or invalid requests before running the write in
// the background. The reservation must be Run or Cancelled.
func (m *Mediator) Reserve(ctx context.Context, req WriteRequest) (*Reservation, error) {
	if !m.acquire() {
		m.recordOutcome("busy")
		return nil, evm.ErrAlreadyInProgress
	}

	d, err := m.Describe(req)
	if err != nil {
		m.release()
		m.recordOutcome(outcomeLabel(err))
		m.deps.Logger.WarnContext(ctx, "write not started",
			"contract", m.cfg.ContractName,
			"function", m.cfg.FunctionName,
			"error", err,
		)
		return nil, err
	}
	return &Reservation{m: m, Descriptor: d}, nil
}

// Run presents the reserved write and completes it. Only the first call
// does anything.
func (r *Reservation) Run(ctx context.Context) (*Result, error) {
	var (
		res *Result
		err = evm.ErrAlreadyInProgress
	)
	r.once.Do(func() {
		defer r.m.release()
		res, err = r.m.run(ctx, r.Descriptor)
	})
	return res, err
}

// Cancel releases an unused reservation.
func (r *Reservation) Cancel() {
	r.once.Do(r.m.release)
}

func (m *Mediator) run(ctx context.Context, d CallDescriptor) (*Result, error) {
	outcome, err := m.awaitConfirmation(ctx, d)
	if err != nil {
		m.transition(d.ID, Failed, err)
		m.recordOutcome(outcomeLabel(err))
		return nil, err
	}
	if !outcome.Confirmed {
		rejected := &evm.RejectedError{Reason: outcome.Reason}
		m.transition(d.ID, Rejected, rejected)
		m.recordOutcome("rejected")
		m.deps.Logger.InfoContext(ctx, "write rejected",
			"request_id", d.ID,
			"function", d.FunctionName,
			"reason", outcome.Reason,
		)
		return nil, rejected
	}

	return m.execute(ctx, d)
}

// Execute runs the post-confirmation stages for a descriptor whose approval
// was obtained elsewhere. It honors the one-write-at-a-time rule.
func (m *Mediator) Execute(ctx context.Context, d CallDescriptor) (*Result, error) {
	if !m.acquire() {
		m.recordOutcome("busy")
		return nil, evm.ErrAlreadyInProgress
	}
	defer m.release()
	return m.execute(ctx, d)
}

// Describe merges req with the bound defaults and resolves the target
// contract and sender. It has no side effects.
func (m *Mediator) Describe(req WriteRequest) (CallDescriptor, error) {
	dep, ok := m.deps.Directory.Lookup(m.cfg.ContractName)
	if !ok {
		return CallDescriptor{}, fmt.Errorf("%w: %s", evm.ErrContractNotDeployed, m.cfg.ContractName)
	}
	if m.cfg.FunctionName == "" {
		return CallDescriptor{}, fmt.Errorf("%w: missing function name", evm.ErrInvalidSpec)
	}
	cred, err := m.deps.Accounts.Active()
	if err != nil {
		return CallDescriptor{}, err
	}

	d := CallDescriptor{
		ID:              req.ID,
		ContractName:    dep.Name,
		ContractAddress: dep.Address,
		FunctionName:    m.cfg.FunctionName,
		Args:            m.cfg.Args,
		From:            cred.Address.Hex(),
		Value:           m.cfg.Value,
		GasLimit:        firstNonZero(req.GasLimit, m.cfg.GasLimit, DefaultGasLimit),
		Confirmations:   firstNonZero(req.Confirmations, m.cfg.Confirmations, DefaultConfirmations),
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if req.Args != nil {
		d.Args = req.Args
	}
	d.Args = append([]any{}, d.Args...)
	if req.Value != nil {
		d.Value = req.Value
	}
	if d.Value == nil {
		d.Value = new(big.Int)
	}
	d.Value = new(big.Int).Set(d.Value)
	if d.Value.Sign() < 0 {
		return CallDescriptor{}, fmt.Errorf("%w: negative value", evm.ErrInvalidSpec)
	}

	if _, _, err := evm.PackCall(dep.Spec(d.FunctionName, d.Args...)); err != nil {
		return CallDescriptor{}, err
	}
	return d, nil
}

func (m *Mediator) awaitConfirmation(ctx context.Context, d CallDescriptor) (Outcome, error) {
	m.transition(d.ID, AwaitingConfirmation, nil)
	start := time.Now()

	cell := newOutcomeCell()
	m.deps.Gate.Present(ctx, d, cell.confirm, cell.reject)

	var timeout <-chan time.Time
	if m.cfg.ConfirmationTimeout > 0 {
		t := time.NewTimer(m.cfg.ConfirmationTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var err error
	select {
	case <-cell.done:
	case <-timeout:
		if cell.cancel() {
			err = fmt.Errorf("%w after %s", evm.ErrConfirmationTimeout, m.cfg.ConfirmationTimeout)
		}
	case <-ctx.Done():
		if cell.cancel() {
			err = ctx.Err()
		}
	}
	if err != nil {
		m.deps.Gate.Dismiss(d.ID)
		m.recordWait("unanswered", start)
		m.deps.Logger.WarnContext(ctx, "confirmation abandoned",
			"request_id", d.ID,
			"function", d.FunctionName,
			"error", err,
		)
		return Outcome{}, err
	}

	if cell.outcome.Confirmed {
		m.recordWait("confirmed", start)
	} else {
		m.recordWait("rejected", start)
	}
	return cell.outcome, nil
}

func (m *Mediator) execute(ctx context.Context, d CallDescriptor) (*Result, error) {
	logger := m.deps.Logger.With("request_id", d.ID, "function", d.FunctionName)
	m.transition(d.ID, Signing, nil)

	// Re-derive contract and signer: time has passed since Describe.
	dep, ok := m.deps.Directory.Lookup(d.ContractName)
	if !ok {
		return nil, m.fail(ctx, logger, d.ID, fmt.Errorf("%w: %s", evm.ErrContractNotDeployed, d.ContractName))
	}
	cred, err := m.deps.Accounts.Active()
	if err != nil {
		return nil, m.fail(ctx, logger, d.ID, err)
	}

	value := d.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit := firstNonZero(d.GasLimit, DefaultGasLimit)
	tx, err := m.deps.Provider.Send(ctx, cred, dep.Spec(d.FunctionName, d.Args...), evm.SendOpts{
		Value:    value,
		GasLimit: gasLimit,
	})
	if err != nil {
		return nil, m.fail(ctx, logger, d.ID, fmt.Errorf("failed to submit transaction: %w", err))
	}
	m.transition(d.ID, Submitted, nil)
	logger.InfoContext(ctx, "write submitted", "hash", tx.Hash.Hex(), "gas_limit", gasLimit)

	receipt, err := m.deps.Provider.Wait(ctx, tx.Hash, firstNonZero(d.Confirmations, DefaultConfirmations))
	if err != nil {
		return nil, m.fail(ctx, logger, d.ID, fmt.Errorf("failed waiting for %s: %w", tx.Hash.Hex(), err))
	}

	rec, err := m.deps.Recorder.Record(ctx, tx, receipt)
	if err != nil {
		return nil, m.fail(ctx, logger, d.ID, fmt.Errorf("transaction %s confirmed but not recorded: %w", tx.Hash.Hex(), err))
	}

	m.transition(d.ID, Confirmed, nil)
	m.recordOutcome("confirmed")
	logger.InfoContext(ctx, "write confirmed",
		"hash", tx.Hash.Hex(),
		"block_number", receipt.BlockNumber,
	)
	return &Result{Tx: tx, Receipt: receipt, Record: rec}, nil
}

func (m *Mediator) fail(ctx context.Context, logger *slog.Logger, id string, err error) error {
	m.transition(id, Failed, err)
	m.recordOutcome(outcomeLabel(err))
	logger.ErrorContext(ctx, "write failed", "error", err)
	return err
}

func (m *Mediator) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return false
	}
	m.busy = true
	return true
}

func (m *Mediator) release() {
	m.mu.Lock()
	m.busy = false
	m.state = Idle
	m.mu.Unlock()
}

func (m *Mediator) transition(id string, s State, err error) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.deps.OnStateChange != nil {
		m.deps.OnStateChange(id, s, err)
	}
}

func (m *Mediator) recordOutcome(outcome string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordWrite(m.cfg.FunctionName, outcome)
	}
}

func (m *Mediator) recordWait(outcome string, start time.Time) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordConfirmationWait(outcome, time.Since(start).Seconds())
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, evm.ErrContractNotDeployed):
		return "not_deployed"
	case errors.Is(err, evm.ErrCredentialNotFound):
		return "no_credential"
	case errors.Is(err, evm.ErrInvalidSpec):
		return "invalid"
	case errors.Is(err, evm.ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "failed"
}

func firstNonZero(vals ...uint64) uint64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
