package custody

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/holdfast/internal/circuitbreaker"
	"github.com/mbd888/holdfast/internal/retry"
	"github.com/mbd888/holdfast/internal/traces"
)

// ClientConfig tunes the resilience wrapper.
type ClientConfig struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:     15 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	}
}

// Client wraps a Gateway with per-attempt timeouts, retries of retryable
// failures, a per-chain circuit breaker, metrics and tracing. Every call is
// stamped with IdempotencyKey(escrowID, op) unless the caller set one.
type Client struct {
	inner   Gateway
	cfg     ClientConfig
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient wraps inner. breaker may be nil to disable circuit breaking.
func NewClient(inner Gateway, cfg ClientConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{inner: inner, cfg: cfg, breaker: breaker, logger: logger}
}

// Lock takes custody of the buyer's funds.
func (c *Client) Lock(ctx context.Context, req LockRequest) (string, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = IdempotencyKey(req.EscrowID, OpLock)
	}
	return c.call(ctx, OpLock, req.EscrowID, req.Chain, func(ctx context.Context) (string, error) {
		return c.inner.Lock(ctx, req)
	})
}

// Release pays the held funds to the seller.
func (c *Client) Release(ctx context.Context, req TransferRequest) (string, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = IdempotencyKey(req.EscrowID, OpRelease)
	}
	return c.call(ctx, OpRelease, req.EscrowID, req.Chain, func(ctx context.Context) (string, error) {
		return c.inner.Release(ctx, req)
	})
}

// Refund returns the held funds to the buyer.
func (c *Client) Refund(ctx context.Context, req TransferRequest) (string, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = IdempotencyKey(req.EscrowID, OpRefund)
	}
	return c.call(ctx, OpRefund, req.EscrowID, req.Chain, func(ctx context.Context) (string, error) {
		return c.inner.Refund(ctx, req)
	})
}

// Split divides the held funds between buyer and seller.
func (c *Client) Split(ctx context.Context, req SplitRequest) (string, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = IdempotencyKey(req.EscrowID, OpSplit)
	}
	return c.call(ctx, OpSplit, req.EscrowID, req.Chain, func(ctx context.Context) (string, error) {
		return c.inner.Split(ctx, req)
	})
}

func (c *Client) call(ctx context.Context, op, escrowID, chain string, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := traces.StartSpan(ctx, "custody."+op, traces.EscrowID(escrowID), traces.Chain(chain))
	done := observeOp(op, chain)

	var ref string
	attempt := func() error {
		GatewayAttemptsTotal.WithLabelValues(op).Inc()
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		r, err := fn(attemptCtx)
		if err != nil {
			// A deadline hit on our own per-attempt timer is transient.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return Retryable(op, err)
			}
			if !IsRetryable(err) {
				return retry.Permanent(err)
			}
			c.logger.Warn("custody call failed, retrying",
				"op", op, "escrow", escrowID, "chain", chain, "error", err)
			return err
		}
		ref = r
		return nil
	}

	policy := retry.Policy{MaxAttempts: c.cfg.MaxAttempts, BaseDelay: c.cfg.BaseDelay}
	run := func() error { return policy.Do(ctx, attempt) }

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(chain, IsRetryable, run)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = Retryable(op, ErrCircuitOpen)
		}
	} else {
		err = run()
	}

	if err != nil && ctx.Err() != nil && !IsRetryable(err) {
		err = Retryable(op, ctx.Err())
	}

	done(err)
	if err == nil {
		span.SetAttributes(traces.Reference(ref))
	}
	traces.End(span, err)
	if err != nil {
		return "", err
	}
	return ref, nil
}
