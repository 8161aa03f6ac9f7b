package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/mediator"
	natspkg "github.com/brojonat/contractgate/service/nats"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// ConfirmationSignal carries the approver's Decision.
	ConfirmationSignal = "confirmation"

	// ConfirmationStateQuery returns the workflow's WriteState.
	ConfirmationStateQuery = "confirmation_state"

	// Application error types surfaced by the workflow.
	ErrTypeRejected          = "TransactionRejected"
	ErrTypeConfirmationTimer = "ConfirmationTimeout"
	ErrTypeInvalidSpec       = "InvalidSpec"
	ErrTypeNotDeployed       = "ContractNotDeployed"
	ErrTypeNoCredential      = "CredentialNotFound"
	ErrTypeBusy              = "AlreadyInProgress"
	ErrTypeCallFailed        = "CallFailed"

	busyRetries  = 30
	busyBackoff  = 2 * time.Second
	executeLimit = 15 * time.Minute
)

var a *Activities // for type-safe activity invocation

// WriteInput starts a durable contract write.
type WriteInput struct {
	RequestID           string        `json:"request_id"`
	ContractName        string        `json:"contract_name"`
	FunctionName        string        `json:"function_name"`
	Args                []any         `json:"args,omitempty"`
	Value               string        `json:"value,omitempty"` // wei, decimal or 0x hex
	GasLimit            uint64        `json:"gas_limit,omitempty"`
	Confirmations       uint64        `json:"confirmations,omitempty"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout,omitempty"`
}

// Decision is the payload of ConfirmationSignal.
type Decision struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// WriteState is what ConfirmationStateQuery reports.
type WriteState struct {
	Stage      mediator.State           `json:"stage"`
	Descriptor *mediator.CallDescriptor `json:"descriptor,omitempty"`
	Decision   *Decision                `json:"decision,omitempty"`
	Result     *mediator.Result         `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// WriteResult is returned by a completed ContractWriteWorkflow.
type WriteResult struct {
	Descriptor mediator.CallDescriptor `json:"descriptor"`
	Result     *mediator.Result        `json:"result"`
}

// ContractWriteWorkflow is the durable counterpart of mediator.Mediator.Write.
//
// The workflow:
// 1. Resolves and validates the call (PrepareWrite activity)
// 2. Announces the pending confirmation and waits for the "confirmation" signal,
// bounded by the optional confirmation timeout
// 3. On confirm, signs, submits, waits and records (ExecuteWrite activity)
//
// Only the first signal is consumed. ExecuteWrite is never retried once it
// may have submitted a transaction.
func ContractWriteWorkflow(ctx workflow.Context, input WriteInput) (*WriteResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ContractWriteWorkflow started",
		"contract", input.ContractName,
		"function", input.FunctionName,
	)

	state := WriteState{Stage: mediator.Idle}
	if err := workflow.SetQueryHandler(ctx, ConfirmationStateQuery, func() (WriteState, error) {
		return state, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register query handler: %w", err)
	}

	if input.RequestID == "" {
		input.RequestID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}

	prepareCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})
	var d mediator.CallDescriptor
	if err := workflow.ExecuteActivity(prepareCtx, a.PrepareWrite, input).Get(ctx, &d); err != nil {
		state.Stage = mediator.Failed
		state.Error = err.Error()
		return nil, workflowError("failed to prepare write", err)
	}
	state.Stage = mediator.AwaitingConfirmation
	state.Descriptor = &d
	announce(ctx, d, natspkg.ConfirmationPending, "")

	decision, decided := awaitDecision(ctx, input.ConfirmationTimeout)
	if !decided {
		state.Stage = mediator.Failed
		state.Error = evm.ErrConfirmationTimeout.Error()
		announce(ctx, d, natspkg.ConfirmationDismissed, "timeout")
		logger.Warn("confirmation timed out", "request_id", d.ID)
		return nil, temporalsdk.NewNonRetryableApplicationError(
			evm.ErrConfirmationTimeout.Error(), ErrTypeConfirmationTimer, nil)
	}
	state.Decision = &decision

	if !decision.Confirmed {
		rejected := &evm.RejectedError{Reason: decision.Reason}
		state.Stage = mediator.Rejected
		state.Error = rejected.Error()
		announce(ctx, d, natspkg.ConfirmationRejected, decision.Reason)
		logger.Info("write rejected", "request_id", d.ID, "reason", decision.Reason)
		return nil, temporalsdk.NewNonRetryableApplicationError(rejected.Error(), ErrTypeRejected, nil, decision.Reason)
	}

	state.Stage = mediator.Signing
	announce(ctx, d, natspkg.ConfirmationConfirmed, "")

	res, err := executeWrite(ctx, d)
	if err != nil {
		state.Stage = mediator.Failed
		state.Error = err.Error()
		return nil, workflowError("failed to execute write", err)
	}

	state.Stage = mediator.Confirmed
	state.Result = res
	logger.Info("ContractWriteWorkflow completed", "request_id", d.ID)
	return &WriteResult{Descriptor: d, Result: res}, nil
}

// awaitDecision blocks until the first ConfirmationSignal or the timeout.
// A zero timeout waits indefinitely.
func awaitDecision(ctx workflow.Context, timeout time.Duration) (Decision, bool) {
	var decision Decision
	decided := false

	ch := workflow.GetSignalChannel(ctx, ConfirmationSignal)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, &decision)
		decided = true
	})

	if timeout > 0 {
		timerCtx, cancel := workflow.WithCancel(ctx)
		defer cancel()
		sel.AddFuture(workflow.NewTimer(timerCtx, timeout), func(workflow.Future) {})
	}

	sel.Select(ctx)
	return decision, decided
}

// executeWrite runs ExecuteWrite with a single attempt. A busy mediator has
// not submitted anything, so that case alone is retried after a pause.
func executeWrite(ctx workflow.Context, d mediator.CallDescriptor) (*mediator.Result, error) {
	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: executeLimit,
		RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 1},
	})

	for attempt := 0; ; attempt++ {
		var res mediator.Result
		err := workflow.ExecuteActivity(execCtx, a.ExecuteWrite, d).Get(ctx, &res)
		if err == nil {
			return &res, nil
		}
		var appErr *temporalsdk.ApplicationError
		if !errors.As(err, &appErr) || appErr.Type() != ErrTypeBusy || attempt >= busyRetries {
			return nil, err
		}
		if err := workflow.Sleep(ctx, busyBackoff); err != nil {
			return nil, err
		}
	}
}

// workflowError re-raises an activity failure as a non-retryable application
// error that keeps the activity's error type.
func workflowError(msg string, err error) error {
	if temporalsdk.IsCanceledError(err) {
		return err
	}
	typ := ErrTypeCallFailed
	var appErr *temporalsdk.ApplicationError
	if errors.As(err, &appErr) {
		typ = appErr.Type()
		msg += ": " + appErr.Error()
	} else {
		msg += ": " + err.Error()
	}
	return temporalsdk.NewNonRetryableApplicationError(msg, typ, nil)
}

// TypedError joins a workflow failure with the pipeline sentinel matching its
// application error type, so errors.Is works on durable write results.
func TypedError(err error) error {
	var appErr *temporalsdk.ApplicationError
	if err == nil || !errors.As(err, &appErr) {
		return err
	}
	var sentinel error
	switch appErr.Type() {
	case ErrTypeRejected:
		sentinel = evm.ErrTransactionRejected
	case ErrTypeConfirmationTimer:
		sentinel = evm.ErrConfirmationTimeout
	case ErrTypeInvalidSpec:
		sentinel = evm.ErrInvalidSpec
	case ErrTypeNotDeployed:
		sentinel = evm.ErrContractNotDeployed
	case ErrTypeNoCredential:
		sentinel = evm.ErrCredentialNotFound
	case ErrTypeBusy:
		sentinel = evm.ErrAlreadyInProgress
	case ErrTypeCallFailed:
		sentinel = evm.ErrCallFailed
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// announce publishes a confirmation event. Failures are logged only.
func announce(ctx workflow.Context, d mediator.CallDescriptor, state, reason string) {
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 2},
	})
	value := "0"
	if d.Value != nil {
		value = d.Value.String()
	}
	ev := natspkg.ConfirmationEvent{
		RequestID:       d.ID,
		State:           state,
		ContractName:    d.ContractName,
		ContractAddress: d.ContractAddress,
		FunctionName:    d.FunctionName,
		Args:            d.Args,
		Value:           value,
		GasLimit:        d.GasLimit,
		Reason:          reason,
		Timestamp:       workflow.Now(ctx).UTC(),
	}
	if err := workflow.ExecuteActivity(actx, a.AnnounceConfirmation, ev).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("failed to announce confirmation", "state", state, "error", err)
	}
}
