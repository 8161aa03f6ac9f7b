// Package accounts holds the signing credentials the pipeline borrows for
// reads and writes, and tracks which account is currently connected.
package accounts

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Resolver maps an address to its signing credential.
type Resolver interface {
	Resolve(address string) (evm.Credential, error)
}

// Store is an in-memory credential store keyed by lowercase address.
// It holds at most one credential per address.
type Store struct {
	mu     sync.RWMutex
	creds  map[string]evm.Credential
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		creds:  make(map[string]evm.Credential),
		logger: logger,
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// AddKey stores key under its derived address, replacing any previous
// credential for that address.
func (s *Store) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)

	s.mu.Lock()
	s.creds[normalize(addr.Hex())] = evm.Credential{Address: addr, PrivateKey: key}
	s.mu.Unlock()

	s.logger.Debug("credential added", "address", addr.Hex())
	return addr
}

// AddHexKey parses a hex-encoded secp256k1 private key (with or without 0x)
// and stores it.
func (s *Store) AddHexKey(hexKey string) (common.Address, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse private key: %w", err)
	}
	return s.AddKey(key), nil
}

// LoadKeystore decrypts every Web3 Secret Storage file in dir with
// passphrase. Files that are not key files are skipped; a wrong passphrase
// is an error.
func (s *Store) LoadKeystore(dir string, passphrase string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read keystore dir: %w", err)
	}

	loaded := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s: %w", entry.Name(), err))
			continue
		}
		key, err := keystore.DecryptKey(raw, passphrase)
		if err != nil {
			if errors.Is(err, keystore.ErrDecrypt) {
				errs = append(errs, fmt.Errorf("failed to decrypt %s: %w", entry.Name(), err))
			} else {
				s.logger.Warn("skipping non-keystore file", "file", entry.Name(), "error", err)
			}
			continue
		}
		s.AddKey(key.PrivateKey)
		loaded++
	}

	s.logger.Info("keystore loaded", "dir", dir, "accounts", loaded)
	if len(errs) > 0 {
		return loaded, errors.Join(errs...)
	}
	return loaded, nil
}

// Resolve returns the credential for address. Lookup is case-insensitive.
func (s *Store) Resolve(address string) (evm.Credential, error) {
	s.mu.RLock()
	cred, ok := s.creds[normalize(address)]
	s.mu.RUnlock()
	if !ok {
		return evm.Credential{}, fmt.Errorf("%w: %s", evm.ErrCredentialNotFound, address)
	}
	return cred, nil
}

// Addresses lists the stored addresses in a stable order.
func (s *Store) Addresses() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Address, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c.Address)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Hex()) < strings.ToLower(out[j].Hex())
	})
	return out
}

// Len returns the number of stored credentials.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
