package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Emulator runs the crime contract in-process over a Chain and implements
// Connector. It mirrors the contract's observable behaviour: reportCrime
// rejects duplicate ids, readCrime returns the stored payload.
type Emulator struct {
	chain    Chain
	contract string
	open     atomic.Int64
}

// NewEmulator creates an Emulator serving the named contract.
func NewEmulator(chain Chain, contract string) *Emulator {
	return &Emulator{chain: chain, contract: contract}
}

// Chain returns the backing chain.
func (e *Emulator) Chain() Chain { return e.chain }

// OpenSessions reports how many sessions are currently open.
func (e *Emulator) OpenSessions() int64 { return e.open.Load() }

// Connect implements Connector.
func (e *Emulator) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}
	e.open.Add(1)
	return &emulatorSession{emu: e}, nil
}

type emulatorSession struct {
	emu    *Emulator
	closed atomic.Bool
}

func (s *emulatorSession) Submit(ctx context.Context, contract, transaction string, args ...string) ([]byte, error) {
	if err := s.check(ctx, contract); err != nil {
		return nil, err
	}
	if transaction != TxReportCrime {
		return nil, fmt.Errorf("unknown transaction %q: %w", transaction, ErrContractRejected)
	}

	a, err := AnchorFromArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", transaction, err, ErrContractRejected)
	}
	payload, err := a.Encode()
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", transaction, err, ErrContractRejected)
	}
	if _, err := s.emu.chain.Append(ctx, a.Key(), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *emulatorSession) Evaluate(ctx context.Context, contract, transaction string, args ...string) ([]byte, error) {
	if err := s.check(ctx, contract); err != nil {
		return nil, err
	}
	if transaction != TxReadCrime {
		return nil, fmt.Errorf("transaction %q is not a query: %w", transaction, ErrContractRejected)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("readCrime takes 1 argument, got %d: %w", len(args), ErrContractRejected)
	}

	b, err := s.emu.chain.Lookup(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return b.Payload, nil
}

func (s *emulatorSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.emu.open.Add(-1)
		return nil
	}
	return fmt.Errorf("session already closed")
}

func (s *emulatorSession) check(ctx context.Context, contract string) error {
	if s.closed.Load() {
		return fmt.Errorf("session closed: %w", ErrNetworkUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}
	if contract != s.emu.contract {
		return fmt.Errorf("contract %q is not deployed: %w", contract, ErrContractRejected)
	}
	return nil
}
