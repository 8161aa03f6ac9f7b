package evm

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// CallSpec identifies one contract invocation. It is used identically for
// reads and writes and is never mutated after construction.
type CallSpec struct {
	ContractAddress string `json:"contract_address"`
	ABI             string `json:"abi"`
	FunctionName    string `json:"function_name"`
	Args            []any  `json:"args,omitempty"`
}

// Validate reports ErrInvalidSpec when any required field is missing.
func (s CallSpec) Validate() error {
	var missing []string
	if strings.TrimSpace(s.ContractAddress) == "" {
		missing = append(missing, "contract address")
	}
	if strings.TrimSpace(s.ABI) == "" {
		missing = append(missing, "abi")
	}
	if strings.TrimSpace(s.FunctionName) == "" {
		missing = append(missing, "function name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSpec, strings.Join(missing, ", "))
	}
	if !common.IsHexAddress(s.ContractAddress) {
		return fmt.Errorf("%w: malformed contract address %q", ErrInvalidSpec, s.ContractAddress)
	}
	return nil
}

// WithArgs returns a copy of the spec with args replaced.
func (s CallSpec) WithArgs(args ...any) CallSpec {
	out := s
	out.Args = append([]any(nil), args...)
	return out
}

// Credential is a signing key borrowed from the account store for the
// duration of a single sign operation. It must never be persisted or logged;
// both String and LogValue expose the address only.
type Credential struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

func (c Credential) String() string {
	return c.Address.Hex()
}

// LogValue keeps key material out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.Address.Hex())
}

// SendOpts carries the transaction envelope attached to a write call.
type SendOpts struct {
	Value    *big.Int
	GasLimit uint64
}

// SubmittedTx describes a transaction the provider accepted into its pool.
type SubmittedTx struct {
	Function string         `json:"function"`
	Hash     common.Hash    `json:"hash"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Nonce    uint64         `json:"nonce"`
	Value    *big.Int       `json:"value"`
	GasLimit uint64         `json:"gas_limit"`
	GasPrice *big.Int       `json:"gas_price"`
}

// Receipt is the subset of an on-chain receipt the pipeline relies on.
type Receipt struct {
	TxHash            common.Hash `json:"transaction_hash"`
	BlockNumber       uint64      `json:"block_number"`
	GasUsed           uint64      `json:"gas_used"`
	EffectiveGasPrice *big.Int    `json:"effective_gas_price,omitempty"`
	Status            uint64      `json:"status"`
}
