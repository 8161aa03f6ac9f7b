package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCClient is the subset of the Ethereum JSON-RPC API the provider needs.
// It lets tests substitute a fake node without touching the network.
type RPCClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// NewRPCClient dials the node at rpcURL. The go-ethereum client already has
// the method set of RPCClient, so no wrapping is required.
// For hosted endpoints that require API keys, include the key in the URL:
// - Alchemy: https://eth-sepolia.g.alchemy.com/v2/YOUR-KEY
// - Infura: https://sepolia.infura.io/v3/YOUR-KEY
func NewRPCClient(ctx context.Context, rpcURL string) (RPCClient, func(), error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return c, c.Close, nil
}
