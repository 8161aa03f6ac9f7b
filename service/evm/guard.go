package evm

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/contractgate/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

// GuardConfig configures the rate limiter and circuit breaker that sit in
// front of the node.
type GuardConfig struct {
	Endpoint       string // label for logs and metrics
	RequestsPerSec int    // 0 disables rate limiting
	BreakerTimeout time.Duration
}

// guardedRPC throttles calls and stops hammering a node that is clearly down.
type guardedRPC struct {
	next     RPCClient
	limiter  ratelimit.Limiter
	cb       *gobreaker.CircuitBreaker
	endpoint string
	metrics  *metrics.Metrics
}

// Guard wraps next with a rate limiter and a circuit breaker.
func Guard(next RPCClient, cfg GuardConfig, m *metrics.Metrics, logger *slog.Logger) RPCClient {
	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSec > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSec)
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &guardedRPC{
		next:     next,
		limiter:  limiter,
		cb:       newCircuitBreaker(cfg.Endpoint, timeout, m, logger),
		endpoint: cfg.Endpoint,
		metrics:  m,
	}
}

func newCircuitBreaker(endpoint string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 20 && failureRatio >= 0.7
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m != nil {
				m.RecordBreakerStateChange(name, to.String())
			}
			if to == gobreaker.StateOpen {
				logger.Warn("rpc node seems down, stop allowing requests", "endpoint", name)
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				logger.Info("checking rpc node status", "endpoint", name)
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				logger.Info("rpc node seems ok, restart allowing requests", "endpoint", name)
			}
		},
	})
}

func (g *guardedRPC) take() {
	start := time.Now()
	g.limiter.Take()
	if g.metrics != nil {
		g.metrics.RecordRateLimitWait(g.endpoint, time.Since(start).Seconds())
	}
}

func (g *guardedRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	g.take()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.CallContract(ctx, msg, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (g *guardedRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	g.take()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.PendingNonceAt(ctx, account)
	})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}

func (g *guardedRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	g.take()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.(*big.Int), nil
}

func (g *guardedRPC) ChainID(ctx context.Context) (*big.Int, error) {
	g.take()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.ChainID(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.(*big.Int), nil
}

func (g *guardedRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	g.take()
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt does not count "not found" as a failure: it is the
// normal answer while a transaction is still pending.
func (g *guardedRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	g.take()
	var notFound bool
	out, err := g.cb.Execute(func() (interface{}, error) {
		r, err := g.next.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			notFound = true
			return (*types.Receipt)(nil), nil
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ethereum.NotFound
	}
	return out.(*types.Receipt), nil
}

func (g *guardedRPC) BlockNumber(ctx context.Context) (uint64, error) {
	g.take()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}
