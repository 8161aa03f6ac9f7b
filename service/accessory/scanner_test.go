package accessory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/reader"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0x00000000000000000000000000000000000000aa"

var belt = contracts.Deployment{
	Name:    "Belt",
	Address: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
	ABI:     evm.ERC721ABI,
}

var snowman = contracts.Deployment{
	Name:    "Snowman",
	Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	ABI:     evm.ComposableABI,
}

type connected struct{}

func (connected) Active() (evm.Credential, error) {
	return evm.Credential{Address: common.HexToAddress(owner)}, nil
}

func tokenURI(prefix, name, svg string) string {
	image := "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
	doc := fmt.Sprintf(`{"name":%q,"description":"An accessory","image":%q,"attributes":[{"trait_type":"color","value":"red"}],"external_url":"https://example.com"}`, name, image)
	return prefix + base64.StdEncoding.EncodeToString([]byte(doc))
}

// ownedTokens serves an ERC-721 whose owner holds token ids 100+index.
func ownedTokens(balance int64, failURI map[int64]bool) func(evm.CallSpec) ([]any, error) {
	return func(spec evm.CallSpec) ([]any, error) {
		switch spec.FunctionName {
		case "balanceOf":
			return []any{big.NewInt(balance)}, nil
		case "tokenOfOwnerByIndex":
			idx := spec.Args[1].(*big.Int).Int64()
			return []any{big.NewInt(100 + idx)}, nil
		case "tokenURI":
			id := spec.Args[0].(*big.Int).Int64()
			if failURI[id] {
				return nil, evm.NewCallError("tokenURI", errors.New("execution reverted"))
			}
			return []any{tokenURI(jsonPrefix, fmt.Sprintf("Belt #%d", id), "<svg/>")}, nil
		}
		return nil, fmt.Errorf("unexpected call %s", spec.FunctionName)
	}
}

func newTestScanner(p evm.Provider, maxTokens int) *Scanner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := reader.New(connected{}, p, nil, logger)
	return NewScanner(r, maxTokens, nil, logger)
}

func TestEnumerateOwned_All(t *testing.T) {
	p := evm.NewMockProvider()
	p.CallFunc = ownedTokens(3, nil)
	s := newTestScanner(p, 0)

	got, err := s.EnumerateOwned(context.Background(), owner, belt)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, md := range got {
		assert.Equal(t, int64(100+i), md.ID.Int64())
		assert.Equal(t, fmt.Sprintf("Belt #%d", 100+i), md.Name)
		assert.Equal(t, "<svg/>", md.Image)
	}
	// 1 balance + 3 × (index lookup + uri)
	assert.Equal(t, 7, p.GetCallCount())
}

func TestEnumerateOwned_SkipsFailingIndex(t *testing.T) {
	p := evm.NewMockProvider()
	p.CallFunc = ownedTokens(3, map[int64]bool{101: true})
	s := newTestScanner(p, 0)

	got, err := s.EnumerateOwned(context.Background(), owner, belt)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].ID.Int64())
	assert.Equal(t, int64(102), got[1].ID.Int64())
}

func TestEnumerateOwned_ScansInAscendingOrder(t *testing.T) {
	p := evm.NewMockProvider()
	p.CallFunc = ownedTokens(4, nil)
	s := newTestScanner(p, 0)

	_, err := s.EnumerateOwned(context.Background(), owner, belt)
	require.NoError(t, err)

	var indices []int64
	for _, c := range p.GetCalls() {
		if c.FunctionName == "tokenOfOwnerByIndex" {
			indices = append(indices, c.Args[1].(*big.Int).Int64())
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, indices)
}

func TestEnumerateOwned_MalformedMetadataIsSkipped(t *testing.T) {
	p := evm.NewMockProvider()
	base := ownedTokens(2, nil)
	p.CallFunc = func(spec evm.CallSpec) ([]any, error) {
		if spec.FunctionName == "tokenURI" && spec.Args[0].(*big.Int).Int64() == 100 {
			return []any{"ipfs://not-inline"}, nil
		}
		return base(spec)
	}
	s := newTestScanner(p, 0)

	got, err := s.EnumerateOwned(context.Background(), owner, belt)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(101), got[0].ID.Int64())
}

func TestEnumerateOwned_ZeroBalance(t *testing.T) {
	p := evm.NewMockProvider()
	p.CallFunc = ownedTokens(0, nil)
	s := newTestScanner(p, 0)

	got, err := s.EnumerateOwned(context.Background(), owner, belt)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, 1, p.GetCallCount())
}

func TestEnumerateOwned_BalanceFailureAborts(t *testing.T) {
	p := evm.NewMockProvider()
	p.CallFunc = func(spec evm.CallSpec) ([]any, error) {
		return nil, errors.New("node unavailable")
	}
	s := newTestScanner(p, 0)

	_, err := s.EnumerateOwned(context.Background(), owner, belt)
	assert.ErrorIs(t, err, evm.ErrCallFailed)
	assert.Equal(t, 1, p.GetCallCount())
}

func TestEnumerateOwned_BalanceIsBounded(t *testing.T) {
	p := evm.NewMockProvider()
	p.CallFunc = ownedTokens(1_000_000, nil)
	s := newTestScanner(p, 5)

	got, err := s.EnumerateOwned(context.Background(), owner, belt)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestEnumerateOwned_InvalidOwner(t *testing.T) {
	p := evm.NewMockProvider()
	s := newTestScanner(p, 0)

	_, err := s.EnumerateOwned(context.Background(), "alice", belt)
	assert.ErrorIs(t, err, evm.ErrInvalidSpec)
	assert.Equal(t, 0, p.GetCallCount())
}

func TestHasAnyAccessory(t *testing.T) {
	hat := "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"
	scarf := "0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9"

	tests := []struct {
		name string
		held map[common.Address]bool
		want bool
	}{
		{"none", map[common.Address]bool{}, false},
		{"one of them", map[common.Address]bool{common.HexToAddress(scarf): true}, true},
		{"all", map[common.Address]bool{common.HexToAddress(scarf): true, common.HexToAddress(hat): true, common.HexToAddress(belt.Address): true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := evm.NewMockProvider()
			p.CallFunc = func(spec evm.CallSpec) ([]any, error) {
				return []any{tt.held[spec.Args[0].(common.Address)]}, nil
			}
			s := newTestScanner(p, 0)

			got, err := s.HasAnyAccessory(context.Background(), snowman, big.NewInt(1), belt.Address, hat, scarf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 3, p.GetCallCount())
		})
	}
}

func TestEncodeTokenID(t *testing.T) {
	data, err := EncodeTokenID(big.NewInt(7))
	require.NoError(t, err)
	require.Len(t, data, 32)
	assert.Equal(t, byte(7), data[31])

	_, err = EncodeTokenID(big.NewInt(-1))
	assert.ErrorIs(t, err, evm.ErrInvalidSpec)
}

func TestAttachArgs(t *testing.T) {
	args, err := AttachArgs(owner, snowman.Address, big.NewInt(3), big.NewInt(9))
	require.NoError(t, err)
	require.Len(t, args, 4)

	_, _, err = evm.PackCall(belt.Spec("safeTransferFrom", args...))
	require.NoError(t, err)

	_, err = AttachArgs("bob", snowman.Address, big.NewInt(3), big.NewInt(9))
	assert.ErrorIs(t, err, evm.ErrInvalidSpec)
}
