package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across all server instances sharing the
// database. The value is arbitrary but must not change.
const advisoryLockKey = int64(2_024_070_117)

const blockColumns = `idx, ts, key, payload, data_hash, prev_hash, hash`

// PostgresChain persists an emulated ledger in the ledger_blocks table.
type PostgresChain struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresChain creates a PostgresChain backed by pool. The genesis row is
// created by migration 002.
func NewPostgresChain(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, logger: logger}
}

// Append implements Chain. The tail read, duplicate check and insert run in one
// transaction under a transaction-scoped advisory lock.
func (c *PostgresChain) Append(ctx context.Context, key string, payload []byte) (*Block, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", errors.Join(ErrNetworkUnavailable, err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM ledger_blocks WHERE idx > 0 AND key = $1)", key,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check key: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("key %s already written: %w", key, ErrContractRejected)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_blocks ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	b := &Block{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Key:       key,
		Payload:   payload,
		DataHash:  sha256Sum(payload),
		PrevHash:  prevHash,
	}
	b.Hash = hashBlock(b)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_blocks (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.Index, b.Timestamp, b.Key, b.Payload, b.DataHash, b.PrevHash, b.Hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("key %s already written: %w", key, ErrContractRejected)
		}
		return nil, fmt.Errorf("insert block: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit block: %w", err)
	}

	c.logger.Debug("ledger block appended",
		zap.Int("idx", b.Index),
		zap.String("key", b.Key),
	)
	return b, nil
}

// Lookup implements Chain.
func (c *PostgresChain) Lookup(ctx context.Context, key string) (*Block, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks WHERE idx > 0 AND key = $1`, key)
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup key %s: %w", key, err)
	}
	return b, nil
}

// Get implements Chain.
func (c *PostgresChain) Get(ctx context.Context, index int) (*Block, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks WHERE idx = $1`, index)
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return b, nil
}

// Len implements Chain.
func (c *PostgresChain) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_blocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}

// Verify implements Chain. It streams every block in index order; cost is
// linear in chain length.
func (c *PostgresChain) Verify(ctx context.Context) error {
	rows, err := c.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var prev *Block
	for rows.Next() {
		curr, err := scanBlock(rows)
		if err != nil {
			return fmt.Errorf("scan block: %w", err)
		}
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis block has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Chain.
func (c *PostgresChain) Root(ctx context.Context) (string, error) {
	var hash string
	if err := c.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_blocks ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get chain root: %w", err)
	}
	return hash, nil
}

func scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	if err := row.Scan(&b.Index, &b.Timestamp, &b.Key, &b.Payload,
		&b.DataHash, &b.PrevHash, &b.Hash); err != nil {
		return nil, err
	}
	b.Timestamp = b.Timestamp.UTC()
	return &b, nil
}
