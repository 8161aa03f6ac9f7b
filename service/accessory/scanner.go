// Package accessory enumerates ERC-721 accessories owned by an account and
// decodes their inline metadata.
package accessory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/metrics"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxTokens bounds a single enumeration.
const DefaultMaxTokens = 1000

// ContractReader is the read facade the scanner drives.
type ContractReader interface {
	Read(ctx context.Context, spec evm.CallSpec) (any, error)
	ReadMany(ctx context.Context, specs []evm.CallSpec) ([]any, error)
}

// Scanner walks an owner's tokens one index at a time.
type Scanner struct {
	reader    ContractReader
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxTokens int
}

// NewScanner creates a scanner. maxTokens <= 0 selects DefaultMaxTokens.
func NewScanner(r ContractReader, maxTokens int, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Scanner{
		reader:    r,
		metrics:   m,
		logger:    logger,
		maxTokens: maxTokens,
	}
}

// EnumerateOwned returns the metadata of every token owner holds on
// contract, in the contract's own index order.
//
// A failing balanceOf aborts the scan. Any failure for an individual index
// (token lookup, token URI, decoding) is logged and that index is skipped;
// the remaining indices are still scanned. Zero tokens yields an empty,
// non-nil slice.
func (s *Scanner) EnumerateOwned(ctx context.Context, owner string, contract contracts.Deployment) ([]Metadata, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("%w: malformed owner address %q", evm.ErrInvalidSpec, owner)
	}
	ownerAddr := common.HexToAddress(owner)
	start := time.Now()

	v, err := s.reader.Read(ctx, contract.Spec("balanceOf", ownerAddr))
	if err != nil {
		s.recordScan(contract.Name, "error", start, 0)
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	n := s.bound(ctx, contract.Name, v)

	out := make([]Metadata, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			s.recordScan(contract.Name, "canceled", start, len(out))
			return nil, err
		}

		id, err := s.tokenAt(ctx, contract, ownerAddr, i)
		if err != nil {
			s.skip(ctx, contract.Name, i, "token_id", err)
			continue
		}
		md, err := s.TokenMetadata(ctx, contract, id)
		if err != nil {
			reason := "decode"
			if errors.Is(err, evm.ErrCallFailed) {
				reason = "token_uri"
			}
			s.skip(ctx, contract.Name, i, reason, err)
			continue
		}
		out = append(out, *md)
	}

	s.recordScan(contract.Name, "success", start, len(out))
	s.logger.DebugContext(ctx, "accessory scan complete",
		"contract", contract.Name,
		"owner", ownerAddr.Hex(),
		"balance", n,
		"decoded", len(out),
	)
	return out, nil
}

// TokenMetadata reads and decodes the metadata of a single token.
func (s *Scanner) TokenMetadata(ctx context.Context, contract contracts.Deployment, tokenID *big.Int) (*Metadata, error) {
	v, err := s.reader.Read(ctx, contract.Spec("tokenURI", tokenID))
	if err != nil {
		return nil, err
	}
	uri, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: tokenURI returned %T", ErrUnsupportedURI, v)
	}
	md, err := DecodeTokenURI(uri)
	if err != nil {
		return nil, err
	}
	md.ID = new(big.Int).Set(tokenID)
	return md, nil
}

// HasAnyAccessory reports whether the composable token holds any of the
// given accessory contracts. The checks are sequential reads, not a
// consistent snapshot.
func (s *Scanner) HasAnyAccessory(ctx context.Context, composable contracts.Deployment, tokenID *big.Int, accessories ...string) (bool, error) {
	specs := make([]evm.CallSpec, 0, len(accessories))
	for _, a := range accessories {
		if !common.IsHexAddress(a) {
			return false, fmt.Errorf("%w: malformed accessory address %q", evm.ErrInvalidSpec, a)
		}
		specs = append(specs, composable.Spec("hasAccessory", common.HexToAddress(a), tokenID))
	}

	results, err := s.reader.ReadMany(ctx, specs)
	if err != nil {
		return false, err
	}
	has := false
	for _, r := range results {
		if b, ok := r.(bool); ok && b {
			has = true
		}
	}
	return has, nil
}

var uint256Args = func() abi.Arguments {
	t, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}()

// EncodeTokenID ABI-encodes id as a single uint256, the data payload
// composable contracts expect on safeTransferFrom.
func EncodeTokenID(id *big.Int) ([]byte, error) {
	if id == nil || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: token id must be a non-negative integer", evm.ErrInvalidSpec)
	}
	return uint256Args.Pack(id)
}

// AttachArgs builds the safeTransferFrom arguments that move accessory
// token accessoryID from owner into composable token composableID.
func AttachArgs(owner, composable string, accessoryID, composableID *big.Int) ([]any, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(composable) {
		return nil, fmt.Errorf("%w: malformed owner or composable address", evm.ErrInvalidSpec)
	}
	if accessoryID == nil || accessoryID.Sign() < 0 {
		return nil, fmt.Errorf("%w: accessory id must be a non-negative integer", evm.ErrInvalidSpec)
	}
	data, err := EncodeTokenID(composableID)
	if err != nil {
		return nil, err
	}
	return []any{
		common.HexToAddress(owner),
		common.HexToAddress(composable),
		new(big.Int).Set(accessoryID),
		data,
	}, nil
}

func (s *Scanner) tokenAt(ctx context.Context, contract contracts.Deployment, owner common.Address, index int) (*big.Int, error) {
	v, err := s.reader.Read(ctx, contract.Spec("tokenOfOwnerByIndex", owner, big.NewInt(int64(index))))
	if err != nil {
		return nil, err
	}
	id, ok := v.(*big.Int)
	if !ok || id == nil {
		return nil, fmt.Errorf("tokenOfOwnerByIndex returned %T", v)
	}
	return id, nil
}

// bound coerces a balance into [0, maxTokens].
func (s *Scanner) bound(ctx context.Context, contract string, v any) int {
	balance, ok := v.(*big.Int)
	if !ok || balance == nil || balance.Sign() <= 0 {
		return 0
	}
	if !balance.IsInt64() || balance.Int64() > int64(s.maxTokens) {
		s.logger.WarnContext(ctx, "balance exceeds scan bound",
			"contract", contract,
			"balance", balance.String(),
			"max_tokens", s.maxTokens,
		)
		return s.maxTokens
	}
	return int(balance.Int64())
}

func (s *Scanner) skip(ctx context.Context, contract string, index int, reason string, err error) {
	s.logger.WarnContext(ctx, "skipping accessory",
		"contract", contract,
		"index", index,
		"reason", reason,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.RecordAccessorySkipped(contract, reason)
	}
}

func (s *Scanner) recordScan(contract, status string, start time.Time, decoded int) {
	if s.metrics != nil {
		s.metrics.RecordAccessoryScan(contract, status, time.Since(start).Seconds(), decoded)
	}
}
