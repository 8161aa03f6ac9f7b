package evm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSpec is returned when a call is missing its address, ABI or
	// function name. It never reaches the network.
	ErrInvalidSpec = errors.New("invalid contract call spec")

	// ErrCredentialNotFound is returned when no signer exists for the
	// connected address.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrContractNotDeployed is returned when the deployed-contract directory
	// has no entry for the requested contract name.
	ErrContractNotDeployed = errors.New("target contract is not deployed")

	// ErrCallFailed wraps provider, network and revert errors.
	ErrCallFailed = errors.New("contract call failed")

	// ErrTransactionRejected is returned when the approver declines a write.
	ErrTransactionRejected = errors.New("transaction rejected")

	// ErrAlreadyInProgress is returned for a write issued while another write
	// on the same mediator is unresolved.
	ErrAlreadyInProgress = errors.New("write already in progress")

	// ErrConfirmationTimeout is returned when nobody answered the
	// confirmation gate within the configured bound.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

// CallError preserves the opaque cause of a failed provider interaction.
type CallError struct {
	Op    string
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCallFailed, e.Op, e.Cause)
}

func (e *CallError) Unwrap() []error {
	return []error{ErrCallFailed, e.Cause}
}

// NewCallError wraps cause as a CallFailed error for op.
func NewCallError(op string, cause error) error {
	return &CallError{Op: op, Cause: cause}
}

// RejectedError carries the approver's reason for declining.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "Transaction Rejected!"
	}
	return fmt.Sprintf("Transaction Rejected! (%s)", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrTransactionRejected
}
