package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists transactions in PostgreSQL. The schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			hash, payer, payee, amount, asset,
			network, scheme, resource, nonce, status,
			block_number, error_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(78,0), $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $13
		)`,
		strings.ToLower(tx.Hash), strings.ToLower(tx.Payer), strings.ToLower(tx.Payee), tx.Amount, strings.ToLower(tx.Asset),
		tx.Network, tx.Scheme, nullString(tx.Resource), strings.ToLower(tx.Nonce), string(tx.Status),
		nullBlock(tx.BlockNumber), nullString(tx.ErrorReason), createdAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, hash string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT hash, payer, payee, amount::TEXT, asset,
		       network, scheme, resource, nonce, status,
		       block_number, error_reason, created_at, updated_at
		FROM transactions WHERE hash = $1`, strings.ToLower(hash))

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, hash string, status Status, blockNumber uint64, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2,
		    block_number = COALESCE($3, block_number),
		    error_reason = $4,
		    updated_at = NOW()
		WHERE hash = $1`,
		strings.ToLower(hash), string(status), nullBlock(blockNumber), nullString(reason),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT hash, payer, payee, amount::TEXT, asset,
		       network, scheme, resource, nonce, status,
		       block_number, error_reason, created_at, updated_at
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PendingByNonce(ctx context.Context, key NonceKey) (*Transaction, error) {
	k := key.Normalized()
	row := p.db.QueryRowContext(ctx, `
		SELECT hash, payer, payee, amount::TEXT, asset,
		       network, scheme, resource, nonce, status,
		       block_number, error_reason, created_at, updated_at
		FROM transactions
		WHERE asset = $1 AND payer = $2 AND nonce = $3 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`, k.Asset, k.Payer, k.Nonce)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Payer != "" {
		where = append(where, "payer = "+arg(strings.ToLower(f.Payer)))
	}
	if f.After != nil {
		at := arg(f.After.CreatedAt)
		key := arg(strings.ToLower(f.After.Key))
		where = append(where, "(created_at, hash) < ("+at+", "+key+")")
	}

	query := `
		SELECT hash, payer, payee, amount::TEXT, asset,
		       network, scheme, resource, nonce, status,
		       block_number, error_reason, created_at, updated_at
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, hash DESC LIMIT " + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NonceUsed(ctx context.Context, key NonceKey) (string, bool, error) {
	k := key.Normalized()
	var hash string
	err := p.db.QueryRowContext(ctx, `
		SELECT tx_hash FROM used_nonces
		WHERE asset = $1 AND payer = $2 AND nonce = $3`,
		k.Asset, k.Payer, k.Nonce,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (p *PostgresStore) MarkNonceUsed(ctx context.Context, key NonceKey, txHash string) error {
	k := key.Normalized()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO used_nonces (asset, payer, nonce, tx_hash)
		VALUES ($1, $2, $3, $4)`,
		k.Asset, k.Payer, k.Nonce, strings.ToLower(txHash),
	)
	if isUniqueViolation(err) {
		return ErrNonceUsed
	}
	return err
}

// Ping checks the database connection for health reporting.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		resource sql.NullString
		reason   sql.NullString
		block    sql.NullInt64
		status   string
	)
	err := sc.Scan(
		&tx.Hash, &tx.Payer, &tx.Payee, &tx.Amount, &tx.Asset,
		&tx.Network, &tx.Scheme, &resource, &tx.Nonce, &status,
		&block, &reason, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	tx.Resource = resource.String
	tx.ErrorReason = reason.String
	if block.Valid {
		tx.BlockNumber = uint64(block.Int64)
	}
	return tx, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBlock(n uint64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
