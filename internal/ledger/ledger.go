// Package ledger is the client side of the append-only crime ledger.
//
// The ledger is an external, replicated store reached only through a gateway.
// This package models the gateway as a Connector that opens short-lived
// Sessions; Client owns the session lifecycle (connect, use, always close),
// timeouts and the retry policy, and Contract gives typed access to the
// reportCrime / readCrime transactions.
//
// Connectors:
//   - fabric.Connector (subpackage fabric): a Hyperledger Fabric gateway.
//   - Emulator: runs the contract in-process over a hash-chained Chain
//     (MemoryChain or PostgresChain). Used in development and tests.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrNetworkUnavailable means the ledger network could not be reached or did
	// not answer in time. It is the only error Client retries.
	ErrNetworkUnavailable = errors.New("ledger network unavailable")

	// ErrIdentityInvalid means the gateway identity was refused.
	ErrIdentityInvalid = errors.New("ledger identity invalid")

	// ErrContractRejected means the contract refused the transaction, for
	// example because the key is already anchored.
	ErrContractRejected = errors.New("ledger contract rejected transaction")

	// ErrNotFound means a read-only query found no entry for the key.
	ErrNotFound = errors.New("ledger entry not found")
)

// Session is one gateway session. Sessions are not safe for concurrent use and
// must be closed by whoever opened them.
type Session interface {
	// Submit sends a write transaction and waits for it to commit.
	Submit(ctx context.Context, contract, transaction string, args ...string) ([]byte, error)

	// Evaluate runs a read-only query against current ledger state.
	Evaluate(ctx context.Context, contract, transaction string, args ...string) ([]byte, error)

	Close() error
}

// Connector opens sessions. Implementations share their transport across
// sessions and must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Invoker is the request-scoped submit/evaluate surface. *Client satisfies it.
type Invoker interface {
	Submit(ctx context.Context, contract, transaction string, args ...string) ([]byte, error)
	Evaluate(ctx context.Context, contract, transaction string, args ...string) ([]byte, error)
}

// Classify maps err onto the package sentinels. Errors that already wrap a
// sentinel are returned unchanged; context timeouts and cancellations become
// ErrNetworkUnavailable.
func Classify(err error) error {
	switch {
	case err == nil, isSentinel(err):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Join(ErrNetworkUnavailable, err)
	default:
		return err
	}
}

func isSentinel(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrIdentityInvalid) ||
		errors.Is(err, ErrContractRejected) ||
		errors.Is(err, ErrNotFound)
}

// Outcome is a short label for err suitable for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrContractRejected):
		return "rejected"
	case errors.Is(err, ErrIdentityInvalid):
		return "identity_invalid"
	case errors.Is(err, ErrNetworkUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
