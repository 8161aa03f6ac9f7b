package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/mediator"
	natspkg "github.com/brojonat/contractgate/service/nats"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Mediators hands out the mediator bound to a contract function.
type Mediators interface {
	For(contract, function string) *mediator.Mediator
}

// Activities contains the dependencies for the write workflow's activities.
type Activities struct {
	mediators Mediators
	publisher natspkg.Publisher
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance. publisher may be nil.
func NewActivities(mediators Mediators, publisher natspkg.Publisher, logger *slog.Logger) *Activities {
	return &Activities{
		mediators: mediators,
		publisher: publisher,
		logger:    logger,
	}
}

// PrepareWrite resolves the contract and sender and validates the call.
// It has no side effects on chain.
func (a *Activities) PrepareWrite(ctx context.Context, input WriteInput) (*mediator.CallDescriptor, error) {
	value, err := evm.ParseWei(input.Value)
	if err != nil {
		return nil, applicationError(fmt.Errorf("%w: value: %v", evm.ErrInvalidSpec, err))
	}

	d, err := a.mediators.For(input.ContractName, input.FunctionName).Describe(mediator.WriteRequest{
		ID:            input.RequestID,
		Args:          input.Args,
		Value:         value,
		GasLimit:      input.GasLimit,
		Confirmations: input.Confirmations,
	})
	if err != nil {
		a.logger.WarnContext(ctx, "failed to prepare write",
			"contract", input.ContractName,
			"function", input.FunctionName,
			"error", err,
		)
		return nil, applicationError(err)
	}
	d.Args = portableArgs(d.Args)

	a.logger.InfoContext(ctx, "write prepared",
		"request_id", d.ID,
		"contract", d.ContractName,
		"function", d.FunctionName,
		"from", d.From,
	)
	return &d, nil
}

// ExecuteWrite signs, submits, waits for and records a confirmed write.
func (a *Activities) ExecuteWrite(ctx context.Context, d mediator.CallDescriptor) (*mediator.Result, error) {
	res, err := a.mediators.For(d.ContractName, d.FunctionName).Execute(ctx, d)
	if err != nil {
		return nil, applicationError(err)
	}
	return res, nil
}

// AnnounceConfirmation publishes a confirmation lifecycle event when a
// publisher is configured.
func (a *Activities) AnnounceConfirmation(ctx context.Context, ev natspkg.ConfirmationEvent) error {
	if a.publisher == nil {
		return nil
	}
	if err := a.publisher.PublishConfirmation(ctx, &ev); err != nil {
		return fmt.Errorf("failed to publish confirmation event: %w", err)
	}
	return nil
}

// applicationError maps pipeline errors to Temporal application errors. Only
// a busy mediator is retryable.
func applicationError(err error) error {
	var typ string
	switch {
	case errors.Is(err, evm.ErrAlreadyInProgress):
		return temporalsdk.NewApplicationError(err.Error(), ErrTypeBusy)
	case errors.Is(err, evm.ErrInvalidSpec):
		typ = ErrTypeInvalidSpec
	case errors.Is(err, evm.ErrContractNotDeployed):
		typ = ErrTypeNotDeployed
	case errors.Is(err, evm.ErrCredentialNotFound):
		typ = ErrTypeNoCredential
	default:
		typ = ErrTypeCallFailed
	}
	return temporalsdk.NewNonRetryableApplicationError(err.Error(), typ, err)
}

// portableArgs rewrites typed arguments into strings the ABI coercion
// accepts, so they survive JSON payloads without losing precision.
func portableArgs(args []any) []any {
	out := make([]any, len(args))
	for i, v := range args {
		switch t := v.(type) {
		case *big.Int:
			out[i] = t.String()
		case json.Number:
			out[i] = t.String()
		case common.Address:
			out[i] = t.Hex()
		case []byte:
			out[i] = hexutil.Encode(t)
		case []any:
			out[i] = portableArgs(t)
		default:
			out[i] = v
		}
	}
	return out
}
