package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresReceiptChecker answers whether a transaction's outcome is
// already journaled. It is the durable tier behind core.Deduper.
type PostgresReceiptChecker struct {
	db *sql.DB
}

func NewPostgresReceiptChecker(db *sql.DB) *PostgresReceiptChecker {
	return &PostgresReceiptChecker{db: db}
}

// Seen takes a transaction hash in hex.
func (c *PostgresReceiptChecker) Seen(hash string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM trove.transactions
		WHERE hash = $1 AND status <> 'pending'
		LIMIT 1
	`, hash).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
