// Package app assembles the contract-interaction stack shared by the
// server, the worker and the CLI from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/brojonat/contractgate/service/accessory"
	"github.com/brojonat/contractgate/service/accounts"
	"github.com/brojonat/contractgate/service/config"
	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/db"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/mediator"
	"github.com/brojonat/contractgate/service/metrics"
	natspkg "github.com/brojonat/contractgate/service/nats"
	"github.com/brojonat/contractgate/service/reader"
)

// Options tune Build for the calling binary.
type Options struct {
	// Metrics is shared by every component. Nil disables metrics.
	Metrics *metrics.Metrics

	// Passphrase unlocks KEYSTORE_DIR. When nil and a keystore is
	// configured, the passphrase is read from the terminal.
	Passphrase func() ([]byte, error)

	// SkipPublisher leaves NATS publishing off even when NATS_URL is set.
	SkipPublisher bool
}

// App holds the assembled components.
type App struct {
	Config    *config.Config
	Metrics   *metrics.Metrics
	Provider  evm.Provider
	Keys      *accounts.Store
	Accounts  *accounts.Connected
	Directory *contracts.Static
	Reader    *reader.Reader
	Scanner   *accessory.Scanner
	Ledger    ledger.Ledger
	Recorder  *ledger.Recorder

	// Publisher is nil when NATS is not configured.
	Publisher natspkg.Publisher

	logger  *slog.Logger
	closers []func()
}

// Build connects to the node, loads accounts and deployments and opens the
// ledger. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Metrics: opts.Metrics, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg, logger := a.Config, a.logger

	rpc, closeRPC, err := evm.NewRPCClient(ctx, cfg.EthRPCURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeRPC)
	endpoint := cfg.RPCEndpointName
	if endpoint == "" || endpoint == "default" {
		endpoint = EndpointLabel(cfg.EthRPCURL)
	}
	guarded := evm.Guard(rpc, evm.GuardConfig{
		Endpoint:       endpoint,
		RequestsPerSec: cfg.RPCRateLimit,
		BreakerTimeout: cfg.RPCBreakerTimeout,
	}, a.Metrics, logger)

	providerOpts := []evm.ProviderOption{evm.WithPollInterval(cfg.ReceiptPollInterval)}
	if cfg.ChainID > 0 {
		providerOpts = append(providerOpts, evm.WithChainID(cfg.ChainID))
	}
	a.Provider = evm.NewEthProvider(guarded, endpoint, a.Metrics, logger, providerOpts...)
	logger.Info("initialized ethereum provider", "endpoint", endpoint, "chain_id", cfg.ChainID)

	if err := a.loadAccounts(opts); err != nil {
		return err
	}

	a.Directory, err = contracts.LoadFile(cfg.DeploymentsFile, cfg.ChainID)
	if err != nil {
		return err
	}
	logger.Info("loaded deployments", "file", cfg.DeploymentsFile, "count", len(a.Directory.Names()))

	a.Reader = reader.New(a.Accounts, a.Provider, a.Metrics, logger)
	a.Scanner = accessory.NewScanner(a.Reader, cfg.AccessoryMaxTokens, a.Metrics, logger)

	if err := a.openLedger(ctx, opts); err != nil {
		return err
	}
	return nil
}

func (a *App) loadAccounts(opts Options) error {
	cfg, logger := a.Config, a.logger
	a.Keys = accounts.NewStore(logger)

	if cfg.PrivateKey != "" {
		addr, err := a.Keys.AddHexKey(cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to load ACCOUNT_PRIVATE_KEY: %w", err)
		}
		logger.Warn("using private key from environment; development chains only", "address", addr.Hex())
	}

	if cfg.KeystoreDir != "" {
		prompt := opts.Passphrase
		if prompt == nil {
			prompt = func() ([]byte, error) { return config.PromptPassphrase("Keystore passphrase: ") }
		}
		pass, err := prompt()
		if err != nil {
			return err
		}
		n, err := a.Keys.LoadKeystore(cfg.KeystoreDir, string(pass))
		clear(pass)
		if err != nil {
			return err
		}
		logger.Info("unlocked keystore", "dir", cfg.KeystoreDir, "accounts", n)
	}

	connected := cfg.ConnectedAccount
	if connected == "" {
		if addrs := a.Keys.Addresses(); len(addrs) > 0 {
			connected = addrs[0].Hex()
		}
	}
	a.Accounts = accounts.NewConnected(a.Keys, connected)
	if connected == "" {
		logger.Warn("no connected account; reads and writes will fail until one is selected")
	} else {
		logger.Info("connected account", "address", connected)
	}
	return nil
}

func (a *App) openLedger(ctx context.Context, opts Options) error {
	cfg, logger := a.Config, a.logger

	var (
		l    ledger.Ledger
		name string
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		store := db.NewStore(pool, a.Metrics)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		l, name = ledger.NewPostgresLedger(store), "postgres"
		logger.Info("connected to database")
	} else {
		l, name = ledger.NewMemoryLedger(), "memory"
		logger.Warn("DATABASE_URL not set; transaction history is kept in memory")
	}

	if cfg.NATSURL != "" && !opts.SkipPublisher {
		pub, err := natspkg.NewPublisher(cfg.NATSURL, a.Metrics, logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { pub.Close() })
		a.Publisher = pub
		l = ledger.NewPublishingLedger(l, pub, logger)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	a.Ledger = l
	a.Recorder = ledger.NewRecorder(l, name, a.Metrics, logger)
	return nil
}

// Writes returns a mediator set that presents writes on gate. gate may be
// nil when callers only Describe and Execute, as the workflow worker does.
// onState may be nil.
func (a *App) Writes(gate mediator.Gate, onState func(string, mediator.State, error)) *mediator.Set {
	return mediator.NewSet(mediator.Deps{
		Directory:     a.Directory,
		Accounts:      a.Accounts,
		Provider:      a.Provider,
		Gate:          gate,
		Recorder:      a.Recorder,
		Metrics:       a.Metrics,
		Logger:        a.logger,
		OnStateChange: onState,
	}, mediator.Config{
		GasLimit:            a.Config.DefaultGasLimit,
		Confirmations:       a.Config.DefaultConfirmations,
		ConfirmationTimeout: a.Config.ConfirmationTimeout,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// EndpointLabel extracts a short identifier from an RPC URL for metrics
// labels, so API keys embedded in the URL never reach a label.
// Examples:
//   - "https://eth-mainnet.g.alchemy.com/v2/KEY" -> "alchemy"
//   - "https://sepolia.infura.io/v3/KEY" -> "infura"
//   - "http://127.0.0.1:8545" -> "local"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"alchemy", "infura", "quiknode", "quicknode", "ankr", "llamarpc", "cloudflare"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "local"
	}
	return host
}
