package accounts

import (
	"fmt"
	"sync"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/ethereum/go-ethereum/common"
)

// Connected tracks the account the wallet UI currently has selected and
// resolves it to a credential on demand.
type Connected struct {
	mu       sync.RWMutex
	address  string
	resolver Resolver
}

// NewConnected creates a connected-account tracker. address may be empty
// until an account is selected.
func NewConnected(resolver Resolver, address string) *Connected {
	return &Connected{resolver: resolver, address: address}
}

// Select switches the connected account. The address must resolve.
func (c *Connected) Select(address string) error {
	if _, err := c.resolver.Resolve(address); err != nil {
		return err
	}
	c.mu.Lock()
	c.address = address
	c.mu.Unlock()
	return nil
}

// Address returns the connected address.
func (c *Connected) Address() (common.Address, error) {
	c.mu.RLock()
	addr := c.address
	c.mu.RUnlock()
	if addr == "" || !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("%w: no connected account", evm.ErrCredentialNotFound)
	}
	return common.HexToAddress(addr), nil
}

// Active resolves the connected account's credential.
func (c *Connected) Active() (evm.Credential, error) {
	c.mu.RLock()
	addr := c.address
	c.mu.RUnlock()
	if addr == "" {
		return evm.Credential{}, fmt.Errorf("%w: no connected account", evm.ErrCredentialNotFound)
	}
	return c.resolver.Resolve(addr)
}
