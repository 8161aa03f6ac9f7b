package temporal

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/mediator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func testDescriptor() *mediator.CallDescriptor {
	return &mediator.CallDescriptor{
		ID:              "req-1",
		ContractName:    "Snowman",
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		FunctionName:    "mint",
		From:            "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Value:           big.NewInt(0),
		GasLimit:        mediator.DefaultGasLimit,
		Confirmations:   1,
	}
}

func testResult() *mediator.Result {
	return &mediator.Result{
		Tx:      &evm.SubmittedTx{Function: "mint", Hash: common.HexToHash("0x01"), Value: big.NewInt(0), GasPrice: big.NewInt(1)},
		Receipt: &evm.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 7, GasUsed: 21000, Status: 1},
	}
}

type workflowCase struct {
	env      *testsuite.TestWorkflowEnvironment
	executed int
}

func newWorkflowCase(t *testing.T) *workflowCase {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.PrepareWrite)
	env.RegisterActivity(activities.ExecuteWrite)
	env.RegisterActivity(activities.AnnounceConfirmation)
	env.OnActivity(activities.AnnounceConfirmation, mock.Anything, mock.Anything).Return(nil)

	return &workflowCase{env: env}
}

func (c *workflowCase) prepareReturns(d *mediator.CallDescriptor, err error) {
	c.env.OnActivity(a.PrepareWrite, mock.Anything, mock.Anything).Return(d, err)
}

func (c *workflowCase) executeReturns(res *mediator.Result, err error) {
	c.env.OnActivity(a.ExecuteWrite, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		c.executed++
	}).Return(res, err)
}

func (c *workflowCase) signalAt(d time.Duration, decision Decision) {
	c.env.RegisterDelayedCallback(func() {
		c.env.SignalWorkflow(ConfirmationSignal, decision)
	}, d)
}

func applicationErrorType(t *testing.T, err error) string {
	t.Helper()
	var appErr *temporalsdk.ApplicationError
	require.True(t, errors.As(err, &appErr), "expected application error, got %v", err)
	return appErr.Type()
}

func TestContractWriteWorkflow_Confirmed(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(testResult(), nil)
	c.signalAt(time.Minute, Decision{Confirmed: true})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})

	require.True(t, c.env.IsWorkflowCompleted())
	require.NoError(t, c.env.GetWorkflowError())

	var res WriteResult
	require.NoError(t, c.env.GetWorkflowResult(&res))
	assert.Equal(t, "req-1", res.Descriptor.ID)
	require.NotNil(t, res.Result)
	assert.Equal(t, uint64(7), res.Result.Receipt.BlockNumber)
	assert.Equal(t, 1, c.executed)
}

func TestContractWriteWorkflow_Rejected(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(testResult(), nil)
	c.signalAt(time.Minute, Decision{Reason: "too expensive"})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})

	err := c.env.GetWorkflowError()
	require.Error(t, err)
	assert.Equal(t, ErrTypeRejected, applicationErrorType(t, err))
	assert.Contains(t, err.Error(), "Transaction Rejected! (too expensive)")
	assert.Zero(t, c.executed)
}

func TestContractWriteWorkflow_FirstSignalWins(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(testResult(), nil)
	c.signalAt(time.Minute, Decision{Confirmed: true})
	c.signalAt(time.Minute, Decision{Reason: "changed my mind"})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})

	require.NoError(t, c.env.GetWorkflowError())
	assert.Equal(t, 1, c.executed)
}

func TestContractWriteWorkflow_ConfirmationTimeout(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(testResult(), nil)

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{
		ContractName:        "Snowman",
		FunctionName:        "mint",
		ConfirmationTimeout: 5 * time.Minute,
	})

	err := c.env.GetWorkflowError()
	require.Error(t, err)
	assert.Equal(t, ErrTypeConfirmationTimer, applicationErrorType(t, err))
	assert.Zero(t, c.executed)
}

func TestContractWriteWorkflow_SignalBeforeTimeout(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(testResult(), nil)
	c.signalAt(time.Minute, Decision{Confirmed: true})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{
		ContractName:        "Snowman",
		FunctionName:        "mint",
		ConfirmationTimeout: 5 * time.Minute,
	})

	require.NoError(t, c.env.GetWorkflowError())
	assert.Equal(t, 1, c.executed)
}

func TestContractWriteWorkflow_QueryWhileAwaiting(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(testResult(), nil)

	var awaiting WriteState
	c.env.RegisterDelayedCallback(func() {
		v, err := c.env.QueryWorkflow(ConfirmationStateQuery)
		require.NoError(t, err)
		require.NoError(t, v.Get(&awaiting))
		c.env.SignalWorkflow(ConfirmationSignal, Decision{Confirmed: true})
	}, time.Minute)

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})
	require.NoError(t, c.env.GetWorkflowError())

	assert.Equal(t, mediator.AwaitingConfirmation, awaiting.Stage)
	require.NotNil(t, awaiting.Descriptor)
	assert.Equal(t, "mint", awaiting.Descriptor.FunctionName)

	v, err := c.env.QueryWorkflow(ConfirmationStateQuery)
	require.NoError(t, err)
	var done WriteState
	require.NoError(t, v.Get(&done))
	assert.Equal(t, mediator.Confirmed, done.Stage)
	require.NotNil(t, done.Decision)
	assert.True(t, done.Decision.Confirmed)
}

func TestContractWriteWorkflow_PrepareFails(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(nil, temporalsdk.NewNonRetryableApplicationError("contract not deployed", ErrTypeNotDeployed, nil))
	c.executeReturns(testResult(), nil)

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Nope", FunctionName: "mint"})

	err := c.env.GetWorkflowError()
	require.Error(t, err)
	assert.Equal(t, ErrTypeNotDeployed, applicationErrorType(t, err))
	assert.ErrorIs(t, TypedError(err), evm.ErrContractNotDeployed)
	assert.Zero(t, c.executed)
}

func TestContractWriteWorkflow_ExecuteNotRetried(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(nil, temporalsdk.NewApplicationError("node unreachable", ErrTypeCallFailed))
	c.signalAt(time.Minute, Decision{Confirmed: true})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})

	err := c.env.GetWorkflowError()
	require.Error(t, err)
	assert.Equal(t, ErrTypeCallFailed, applicationErrorType(t, err))
	assert.Equal(t, 1, c.executed)
}

func TestContractWriteWorkflow_ExecuteKeepsErrorType(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	c.executeReturns(nil, temporalsdk.NewNonRetryableApplicationError("no credential for sender", ErrTypeNoCredential, nil))
	c.signalAt(time.Minute, Decision{Confirmed: true})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})

	err := c.env.GetWorkflowError()
	require.Error(t, err)
	assert.Equal(t, ErrTypeNoCredential, applicationErrorType(t, err))
	assert.Contains(t, err.Error(), "no credential for sender")
	assert.ErrorIs(t, TypedError(err), evm.ErrCredentialNotFound)
}

func TestTypedError(t *testing.T) {
	tests := []struct {
		typ  string
		want error
	}{
		{ErrTypeRejected, evm.ErrTransactionRejected},
		{ErrTypeConfirmationTimer, evm.ErrConfirmationTimeout},
		{ErrTypeInvalidSpec, evm.ErrInvalidSpec},
		{ErrTypeNotDeployed, evm.ErrContractNotDeployed},
		{ErrTypeNoCredential, evm.ErrCredentialNotFound},
		{ErrTypeBusy, evm.ErrAlreadyInProgress},
		{ErrTypeCallFailed, evm.ErrCallFailed},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			err := TypedError(temporalsdk.NewNonRetryableApplicationError("boom", tt.typ, nil))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.typ, applicationErrorType(t, err))
		})
	}

	plain := errors.New("plain")
	assert.Equal(t, plain, TypedError(plain))
	assert.NoError(t, TypedError(nil))
}

func TestContractWriteWorkflow_BusyIsRetried(t *testing.T) {
	c := newWorkflowCase(t)
	c.prepareReturns(testDescriptor(), nil)
	busy := 0
	c.env.OnActivity(a.ExecuteWrite, mock.Anything, mock.Anything).Return(
		func(_ context.Context, _ mediator.CallDescriptor) (*mediator.Result, error) {
			busy++
			if busy < 3 {
				return nil, temporalsdk.NewApplicationError("write already in progress", ErrTypeBusy)
			}
			return testResult(), nil
		})
	c.signalAt(time.Minute, Decision{Confirmed: true})

	c.env.ExecuteWorkflow(ContractWriteWorkflow, WriteInput{ContractName: "Snowman", FunctionName: "mint"})

	require.NoError(t, c.env.GetWorkflowError())
	assert.Equal(t, 3, busy)
}
