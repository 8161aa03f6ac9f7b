package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/contractgate/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider is the network collaborator of the pipeline: read-only calls,
// signed submissions and inclusion waits.
type Provider interface {
	// Call executes a read-only call and returns the decoded outputs.
	Call(ctx context.Context, from common.Address, spec CallSpec) ([]any, error)

	// Send signs the call with cred and submits it. It returns once the
	// node has accepted the transaction and a hash exists.
	Send(ctx context.Context, cred Credential, spec CallSpec, opts SendOpts) (*SubmittedTx, error)

	// Wait blocks until the transaction is included and has the requested
	// number of confirmations.
	Wait(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error)
}

// EthProvider implements Provider on top of an Ethereum JSON-RPC node.
type EthProvider struct {
	rpc          RPCClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	endpoint     string // RPC endpoint identifier for metrics (e.g., "sepolia", "localhost")
	pollInterval time.Duration

	chainMu sync.Mutex
	chainID *big.Int
}

// ProviderOption customizes an EthProvider.
type ProviderOption func(*EthProvider)

// WithChainID pins the chain id instead of asking the node on first send.
func WithChainID(id int64) ProviderOption {
	return func(p *EthProvider) {
		if id > 0 {
			p.chainID = big.NewInt(id)
		}
	}
}

// WithPollInterval sets how often Wait polls for receipts and new heads.
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *EthProvider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// NewEthProvider creates a new provider.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewEthProvider(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...ProviderOption) *EthProvider {
	p := &EthProvider{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *EthProvider) record(method string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordRPCCall(method, status, p.endpoint, time.Since(start).Seconds())
}

// Call implements Provider.
func (p *EthProvider) Call(ctx context.Context, from common.Address, spec CallSpec) ([]any, error) {
	parsed, data, err := PackCall(spec)
	if err != nil {
		return nil, err
	}

	to := common.HexToAddress(spec.ContractAddress)
	start := time.Now()
	out, err := p.rpc.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	p.record("eth_call", start, err)
	if err != nil {
		p.logger.DebugContext(ctx, "eth_call failed",
			"contract", to.Hex(),
			"function", spec.FunctionName,
			"error", err,
		)
		return nil, NewCallError(spec.FunctionName, err)
	}

	values, err := parsed.Unpack(spec.FunctionName, out)
	if err != nil {
		return nil, NewCallError(spec.FunctionName, fmt.Errorf("failed to decode result: %w", err))
	}
	return values, nil
}

// Send implements Provider.
func (p *EthProvider) Send(ctx context.Context, cred Credential, spec CallSpec, opts SendOpts) (*SubmittedTx, error) {
	if cred.PrivateKey == nil {
		return nil, ErrCredentialNotFound
	}
	_, data, err := PackCall(spec)
	if err != nil {
		return nil, err
	}

	chainID, err := p.chain(ctx)
	if err != nil {
		return nil, NewCallError("chain_id", err)
	}

	start := time.Now()
	nonce, err := p.rpc.PendingNonceAt(ctx, cred.Address)
	p.record("eth_getTransactionCount", start, err)
	if err != nil {
		return nil, NewCallError("nonce", err)
	}

	start = time.Now()
	gasPrice, err := p.rpc.SuggestGasPrice(ctx)
	p.record("eth_gasPrice", start, err)
	if err != nil {
		return nil, NewCallError("gas_price", err)
	}

	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}
	to := common.HexToAddress(spec.ContractAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      opts.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), cred.PrivateKey)
	if err != nil {
		return nil, NewCallError("sign", err)
	}

	start = time.Now()
	err = p.rpc.SendTransaction(ctx, signed)
	p.record("eth_sendRawTransaction", start, err)
	if err != nil {
		return nil, NewCallError(spec.FunctionName, err)
	}

	p.logger.InfoContext(ctx, "transaction submitted",
		"hash", signed.Hash().Hex(),
		"from", cred.Address.Hex(),
		"to", to.Hex(),
		"function", spec.FunctionName,
		"nonce", nonce,
		"gas_limit", opts.GasLimit,
	)

	return &SubmittedTx{
		Function: spec.FunctionName,
		Hash:     signed.Hash(),
		From:     cred.Address,
		To:       to,
		Nonce:    nonce,
		Value:    new(big.Int).Set(value),
		GasLimit: opts.GasLimit,
		GasPrice: gasPrice,
	}, nil
}

// Wait implements Provider. A confirmation count of 0 is treated as 1.
func (p *EthProvider) Wait(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		if receipt == nil {
			start := time.Now()
			r, err := p.rpc.TransactionReceipt(ctx, hash)
			switch {
			case err == nil:
				p.record("eth_getTransactionReceipt", start, nil)
				if r.Status == types.ReceiptStatusFailed {
					return nil, NewCallError("wait", fmt.Errorf("transaction %s reverted", hash.Hex()))
				}
				receipt = r
			case errors.Is(err, ethereum.NotFound):
				p.record("eth_getTransactionReceipt", start, nil)
			default:
				p.record("eth_getTransactionReceipt", start, err)
				return nil, NewCallError("wait", err)
			}
		}

		if receipt != nil {
			start := time.Now()
			head, err := p.rpc.BlockNumber(ctx)
			p.record("eth_blockNumber", start, err)
			if err != nil {
				return nil, NewCallError("wait", err)
			}
			included := receipt.BlockNumber.Uint64()
			if head >= included && head-included+1 >= confirmations {
				return toReceipt(receipt), nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, NewCallError("wait", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *EthProvider) chain(ctx context.Context) (*big.Int, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.chainID != nil {
		return p.chainID, nil
	}
	start := time.Now()
	id, err := p.rpc.ChainID(ctx)
	p.record("eth_chainId", start, err)
	if err != nil {
		return nil, err
	}
	p.chainID = id
	return id, nil
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  r.TxHash,
		GasUsed: r.GasUsed,
		Status:  r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}
