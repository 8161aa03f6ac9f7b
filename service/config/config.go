package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/term"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string `envconfig:"SERVER_ADDR" default:":8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Ethereum node
	EthRPCURL           string        `envconfig:"ETH_RPC_URL"`
	RPCEndpointName     string        `envconfig:"RPC_ENDPOINT_NAME" default:"default"`
	ChainID             int64         `envconfig:"CHAIN_ID" default:"0"`
	RPCRateLimit        int           `envconfig:"RPC_RATE_LIMIT" default:"0"`
	RPCBreakerTimeout   time.Duration `envconfig:"RPC_BREAKER_TIMEOUT" default:"30s"`
	ReceiptPollInterval time.Duration `envconfig:"RECEIPT_POLL_INTERVAL" default:"2s"`

	// Contracts and accounts
	DeploymentsFile  string `envconfig:"DEPLOYMENTS_FILE"`
	KeystoreDir      string `envconfig:"KEYSTORE_DIR"`
	ConnectedAccount string `envconfig:"CONNECTED_ACCOUNT"`
	// PrivateKey is a hex key for local development chains only.
	PrivateKey string `envconfig:"ACCOUNT_PRIVATE_KEY"`

	// Database configuration. Empty selects the in-memory ledger.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// NATS configuration. Empty disables event publishing.
	NATSURL string `envconfig:"NATS_URL"`

	// Temporal configuration
	TemporalHost      string `envconfig:"TEMPORAL_HOST" default:"localhost:7233"`
	TemporalNamespace string `envconfig:"TEMPORAL_NAMESPACE" default:"default"`
	TemporalTaskQueue string `envconfig:"TEMPORAL_TASK_QUEUE" default:"contractgate-writes"`

	// Writes
	ConfirmationTimeout  time.Duration `envconfig:"CONFIRMATION_TIMEOUT" default:"0s"`
	DefaultGasLimit      uint64        `envconfig:"DEFAULT_GAS_LIMIT" default:"1000000"`
	DefaultConfirmations uint64        `envconfig:"DEFAULT_CONFIRMATIONS" default:"1"`

	// Accessories
	AccessoryMaxTokens int      `envconfig:"ACCESSORY_MAX_TOKENS" default:"1000"`
	AccessoryNames     []string `envconfig:"ACCESSORY_NAMES"`
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.EthRPCURL == "" {
		errs = append(errs, fmt.Errorf("ETH_RPC_URL is required"))
	}
	if c.DeploymentsFile == "" {
		errs = append(errs, fmt.Errorf("DEPLOYMENTS_FILE is required"))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if c.ChainID < 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID cannot be negative"))
	}
	if c.RPCRateLimit < 0 {
		errs = append(errs, fmt.Errorf("RPC_RATE_LIMIT cannot be negative"))
	}
	if c.ReceiptPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECEIPT_POLL_INTERVAL must be positive"))
	}
	if c.ConfirmationTimeout < 0 {
		errs = append(errs, fmt.Errorf("CONFIRMATION_TIMEOUT cannot be negative"))
	}
	if c.DefaultGasLimit == 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_GAS_LIMIT must be greater than 0"))
	}
	if c.AccessoryMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("ACCESSORY_MAX_TOKENS must be greater than 0"))
	}
	if c.ConnectedAccount != "" && !common.IsHexAddress(c.ConnectedAccount) {
		errs = append(errs, fmt.Errorf("CONNECTED_ACCOUNT %q is not a valid address", c.ConnectedAccount))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_TASK_QUEUE is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// PromptPassphrase reads a keystore passphrase from the terminal without echo.
// The caller should clear the returned slice once the keystore is decrypted.
func PromptPassphrase(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal: run interactively to enter the keystore passphrase")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	return raw, nil
}
