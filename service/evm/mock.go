package evm

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MockProvider is a mock implementation of Provider for testing.
// Behavior is configured through the *Func fields; calls are recorded.
type MockProvider struct {
	mu    sync.RWMutex
	calls []CallSpec
	sends []CallSpec
	opts  []SendOpts
	waits []common.Hash

	CallFunc func(spec CallSpec) ([]any, error)
	SendFunc func(cred Credential, spec CallSpec, opts SendOpts) (*SubmittedTx, error)
	WaitFunc func(hash common.Hash, confirmations uint64) (*Receipt, error)
}

// NewMockProvider creates a mock whose writes succeed with a fixed receipt.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Call records the spec and delegates to CallFunc.
func (m *MockProvider) Call(ctx context.Context, from common.Address, spec CallSpec) ([]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	fn := m.CallFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, NewCallError(spec.FunctionName, context.Canceled)
	}
	return fn(spec)
}

// Send records the spec and delegates to SendFunc. Without SendFunc it
// returns a deterministic submitted transaction.
func (m *MockProvider) Send(ctx context.Context, cred Credential, spec CallSpec, opts SendOpts) (*SubmittedTx, error) {
	m.mu.Lock()
	m.sends = append(m.sends, spec)
	m.opts = append(m.opts, opts)
	nonce := uint64(len(m.sends) - 1)
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(cred, spec, opts)
	}
	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}
	return &SubmittedTx{
		Function: spec.FunctionName,
		Hash:     common.BigToHash(big.NewInt(int64(nonce) + 1)),
		From:     cred.Address,
		To:       common.HexToAddress(spec.ContractAddress),
		Nonce:    nonce,
		Value:    value,
		GasLimit: opts.GasLimit,
		GasPrice: big.NewInt(1_000_000_000),
	}, nil
}

// Wait records the hash and delegates to WaitFunc. Without WaitFunc it
// returns a successful receipt using 21000 gas at 1 gwei.
func (m *MockProvider) Wait(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error) {
	m.mu.Lock()
	m.waits = append(m.waits, hash)
	fn := m.WaitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(hash, confirmations)
	}
	return &Receipt{
		TxHash:            hash,
		BlockNumber:       1,
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
		Status:            1,
	}, nil
}

// GetCalls returns the specs passed to Call.
func (m *MockProvider) GetCalls() []CallSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CallSpec, len(m.calls))
	copy(out, m.calls)
	return out
}

// GetCallCount returns the number of Call invocations.
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// GetSends returns the specs passed to Send.
func (m *MockProvider) GetSends() []CallSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CallSpec, len(m.sends))
	copy(out, m.sends)
	return out
}

// GetSendOpts returns the envelopes passed to Send.
func (m *MockProvider) GetSendOpts() []SendOpts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SendOpts, len(m.opts))
	copy(out, m.opts)
	return out
}

// GetSendCount returns the number of Send invocations.
func (m *MockProvider) GetSendCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sends)
}

// GetWaitCount returns the number of Wait invocations.
func (m *MockProvider) GetWaitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.waits)
}
