package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialize
// concurrent mutations. The value is arbitrary but must be consistent across
// all votechaind instances sharing a database.
const advisoryLockKey = int64(7_240_115_331)

// PostgresChain persists the vote chain to a PostgreSQL database. It
// implements the Chain interface. Physical chain order is the idx column;
// prune leaves gaps in idx on purpose so the integrity break stays visible.
type PostgresChain struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresChain creates a PostgresChain backed by the given pool.
func NewPostgresChain(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, logger: logger}
}

// EnsureSchema creates the vote_chain table when it does not exist.
func (c *PostgresChain) EnsureSchema(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vote_chain (
			idx       BIGINT PRIMARY KEY,
			value     TEXT NOT NULL,
			ts        TIMESTAMPTZ NOT NULL,
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create vote_chain table: %w", err)
	}
	return nil
}

// Append implements Chain. It acquires a transaction-scoped advisory lock,
// reads the chain tail, computes the new record, and inserts it: a single
// serialized transaction, so concurrent appends can never share a
// predecessor.
func (c *PostgresChain) Append(ctx context.Context, value string) (*Record, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prevIdx, prevHash, err := tailLocked(ctx, tx)
	if err != nil {
		return nil, err
	}

	r, err := NewRecord(value, prevHash)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO vote_chain (idx, value, ts, prev_hash, hash) VALUES ($1, $2, $3, $4, $5)`,
		prevIdx+1, r.Value, r.Timestamp, r.PrevHash, r.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert chain record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chain tx: %w", err)
	}

	c.logger.Debug("vote appended",
		zap.Int64("idx", prevIdx+1),
		zap.String("value", r.Value),
		zap.String("hash", r.Hash),
	)
	return r, nil
}

// Validate implements Chain. It loads the full ordered sequence and runs
// the shared invariant checks. O(n) in chain length.
func (c *PostgresChain) Validate(ctx context.Context) (*Report, error) {
	records, err := c.Records(ctx)
	if err != nil {
		return nil, err
	}
	return validateRecords(records), nil
}

// Prune implements Chain. Deletion does not re-link the survivors; idx gaps
// and prev_hash mismatches remain for Validate to report.
func (c *PostgresChain) Prune(ctx context.Context, value string) (int, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tag, err := tx.Exec(ctx, "DELETE FROM vote_chain WHERE value = $1", value)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}

	removed := int(tag.RowsAffected())
	if removed > 0 {
		c.logger.Warn("records pruned; downstream integrity break expected",
			zap.String("value", value),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// Reset implements Chain.
func (c *PostgresChain) Reset(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, "TRUNCATE vote_chain"); err != nil {
		return fmt.Errorf("reset chain: %w", err)
	}
	return nil
}

// Replace implements Chain. The whole sequence is swapped inside one
// advisory-locked transaction.
func (c *PostgresChain) Replace(ctx context.Context, records []*Record) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE vote_chain"); err != nil {
		return fmt.Errorf("clear chain: %w", err)
	}
	for i, r := range records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vote_chain (idx, value, ts, prev_hash, hash) VALUES ($1, $2, $3, $4, $5)`,
			int64(i), r.Value, r.Timestamp, r.PrevHash, r.Hash,
		); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

// LastHash implements Chain.
func (c *PostgresChain) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := c.pool.QueryRow(ctx,
		"SELECT hash FROM vote_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain tail: %w", err)
	}
	return hash, nil
}

// Tally implements Chain.
func (c *PostgresChain) Tally(ctx context.Context) (map[string]int, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT value, COUNT(*) FROM vote_chain GROUP BY value",
	)
	if err != nil {
		return nil, fmt.Errorf("tally votes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var value string
		var n int
		if err := rows.Scan(&value, &n); err != nil {
			return nil, fmt.Errorf("scan tally row: %w", err)
		}
		counts[value] = n
	}
	return counts, rows.Err()
}

// Records implements Chain.
func (c *PostgresChain) Records(ctx context.Context) ([]*Record, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT value, ts, prev_hash, hash FROM vote_chain ORDER BY idx ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.Value, &r.Timestamp, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Len implements Chain.
func (c *PostgresChain) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, "SELECT COUNT(*) FROM vote_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chain records: %w", err)
	}
	return n, nil
}

// tailLocked reads the current tail under the caller's transaction. An empty
// table yields index -1 and the genesis sentinel.
func tailLocked(ctx context.Context, tx pgx.Tx) (int64, string, error) {
	var idx int64
	var hash string
	err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM vote_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&idx, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read chain tail: %w", err)
	}
	return idx, hash, nil
}
