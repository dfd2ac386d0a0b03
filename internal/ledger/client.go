package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the gateway timeouts and retry policy. Ledger consensus can
// take several seconds, so these are deliberately independent of any HTTP
// request deadline.
type Config struct {
	ConnectTimeout  time.Duration
	EvaluateTimeout time.Duration
	SubmitTimeout   time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.EvaluateTimeout <= 0 {
		c.EvaluateTimeout = 5 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// ObserveFunc is an optional callback invoked once per Submit/Evaluate call
// with the operation name ("submit" or "evaluate") and its Outcome.
type ObserveFunc func(op, outcome string)

const (
	opSubmit   = "submit"
	opEvaluate = "evaluate"
)

// Client runs each logical operation in its own session: connect, invoke,
// close. The session is closed on every exit path.
type Client struct {
	connector Connector
	cfg       Config
	observe   ObserveFunc
	logger    *zap.Logger
}

// NewClient creates a Client over connector.
func NewClient(connector Connector, cfg Config, logger *zap.Logger) *Client {
	return &Client{connector: connector, cfg: cfg.withDefaults(), logger: logger}
}

// SetObserver configures the per-call metrics callback.
func (c *Client) SetObserver(fn ObserveFunc) {
	c.observe = fn
}

// Submit sends a write transaction. Once issued, the submission is not
// interrupted by cancellation of ctx. SubmitTimeout bounds the whole call,
// retries included, so a caller can always budget for it.
// Only ErrNetworkUnavailable is retried. A retried submission that had in fact
// committed is rejected by the contract as a duplicate, so callers that retry
// must treat ErrContractRejected as "possibly already anchored".
func (c *Client) Submit(ctx context.Context, contract, transaction string, args ...string) ([]byte, error) {
	return c.invoke(context.WithoutCancel(ctx), opSubmit, contract, transaction, args, c.cfg.SubmitTimeout)
}

// Evaluate runs a read-only query bounded by EvaluateTimeout, retries included.
// An empty result is reported as ErrNotFound.
func (c *Client) Evaluate(ctx context.Context, contract, transaction string, args ...string) ([]byte, error) {
	return c.invoke(ctx, opEvaluate, contract, transaction, args, c.cfg.EvaluateTimeout)
}

// Ping opens and closes one session without invoking a transaction.
func (c *Client) Ping(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	session, err := c.connector.Connect(connectCtx)
	if err != nil {
		return fmt.Errorf("connect to ledger: %w", errors.Join(ErrNetworkUnavailable, err))
	}
	return session.Close()
}

func (c *Client) invoke(ctx context.Context, op, contract, transaction string, args []string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.cfg.RetryBackoff * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				c.record(op, lastErr)
				return nil, lastErr
			case <-time.After(wait):
			}
		}

		out, err := c.once(ctx, op, contract, transaction, args)
		if err == nil && op == opEvaluate && len(out) == 0 {
			err = fmt.Errorf("%s %s: empty result: %w", contract, transaction, ErrNotFound)
		}
		if err == nil {
			c.record(op, nil)
			return out, nil
		}

		lastErr = err
		if !errors.Is(err, ErrNetworkUnavailable) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("ledger call failed, retrying",
			zap.String("op", op),
			zap.String("transaction", transaction),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	c.record(op, lastErr)
	return nil, lastErr
}

// once runs a single attempt under ctx, which carries the operation deadline.
func (c *Client) once(ctx context.Context, op, contract, transaction string, args []string) ([]byte, error) {
	connectCtx, cancelConnect := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	session, err := c.connector.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		err = Classify(err)
		if !isSentinel(err) {
			err = errors.Join(ErrNetworkUnavailable, err)
		}
		return nil, fmt.Errorf("connect to ledger: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			c.logger.Warn("ledger session close failed", zap.Error(cerr))
		}
	}()

	var out []byte
	if op == opSubmit {
		out, err = session.Submit(ctx, contract, transaction, args...)
	} else {
		out, err = session.Evaluate(ctx, contract, transaction, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s/%s: %w", op, contract, transaction, Classify(err))
	}
	return out, nil
}

func (c *Client) record(op string, err error) {
	if c.observe != nil {
		c.observe(op, Outcome(err))
	}
}
