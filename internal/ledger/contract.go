package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

// Transaction names exposed by the crime contract.
const (
	TxReportCrime = "reportCrime"
	TxReadCrime   = "readCrime"
)

// Anchor is the ledger-held copy of a report, keyed by the store-assigned id.
type Anchor struct {
	ID             int64  `json:"id,string"`
	Description    string `json:"description"`
	Timestamp      string `json:"timestamp"`
	Status         string `json:"status"`
	Hash           string `json:"hash"`
	SubmitterLabel string `json:"submitterLabel"`
}

// Key is the ledger key of the anchor.
func (a *Anchor) Key() string {
	return strconv.FormatInt(a.ID, 10)
}

// Args returns the reportCrime argument list, in contract order.
func (a *Anchor) Args() []string {
	return []string{a.Key(), a.Description, a.Timestamp, a.Status, a.Hash, a.SubmitterLabel}
}

// AnchorFromArgs is the inverse of Args.
func AnchorFromArgs(args []string) (*Anchor, error) {
	if len(args) != 6 {
		return nil, fmt.Errorf("reportCrime takes 6 arguments, got %d", len(args))
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid report id %q", args[0])
	}
	return &Anchor{
		ID:             id,
		Description:    args[1],
		Timestamp:      args[2],
		Status:         args[3],
		Hash:           args[4],
		SubmitterLabel: args[5],
	}, nil
}

// Encode renders the anchor as RFC 8785 canonical JSON.
func (a *Anchor) Encode() ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal anchor: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize anchor: %w", err)
	}
	return out, nil
}

// DecodeAnchor parses a readCrime payload.
func DecodeAnchor(payload []byte) (*Anchor, error) {
	var a Anchor
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode anchor: %w", err)
	}
	return &a, nil
}

// Contract is typed access to the crime contract on one channel.
type Contract struct {
	invoker Invoker
	name    string
	cache   Cache // nil = no read cache
	logger  *zap.Logger
}

// NewContract creates a Contract bound to the named chaincode.
func NewContract(invoker Invoker, name string, logger *zap.Logger) *Contract {
	return &Contract{invoker: invoker, name: name, logger: logger}
}

// SetCache configures the read-through cache for ReadCrime. Ledger entries
// never change once written, so only successful reads are cached.
func (c *Contract) SetCache(cache Cache) {
	c.cache = cache
}

// Name returns the contract name.
func (c *Contract) Name() string { return c.name }

// ReportCrime anchors a.
func (c *Contract) ReportCrime(ctx context.Context, a *Anchor) error {
	if _, err := c.invoker.Submit(ctx, c.name, TxReportCrime, a.Args()...); err != nil {
		return err
	}
	return nil
}

// ReadCrime returns the anchor for id together with the raw ledger payload.
// It returns an error wrapping ErrNotFound when nothing is anchored under id.
func (c *Contract) ReadCrime(ctx context.Context, id int64) (*Anchor, []byte, error) {
	key := strconv.FormatInt(id, 10)
	cacheKey := c.name + "/" + key

	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, cacheKey)
		if err != nil {
			c.logger.Warn("ledger cache read failed", zap.String("key", cacheKey), zap.Error(err))
		} else if ok {
			if a, err := DecodeAnchor(raw); err == nil {
				return a, raw, nil
			}
		}
	}

	raw, err := c.invoker.Evaluate(ctx, c.name, TxReadCrime, key)
	if err != nil {
		return nil, nil, err
	}
	a, err := DecodeAnchor(raw)
	if err != nil {
		return nil, raw, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, raw); err != nil {
			c.logger.Warn("ledger cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return a, raw, nil
}
