package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TroveWatch/internal/tx"
)

// JournalRow is one row of trove.transactions. A sent transaction is
// written as pending and later overwritten by its terminal outcome.
type JournalRow struct {
	Hash        string
	Op          string
	From        string
	Status      string
	BlockNumber uint64
	GasUsed     uint64
	Details     []byte // JSON; nil unless succeeded and decoded
	DecodeError string
	SentAt      time.Time
	SettledAt   *time.Time
}

// Terminal reports whether the row records an outcome.
func (r JournalRow) Terminal() bool {
	return r.Status != tx.StatusPending.String()
}

// RowFromSettlement converts a tracker hook argument into a journal row.
func RowFromSettlement(s tx.Settlement) (JournalRow, error) {
	row := JournalRow{
		Hash:        s.Hash.Hex(),
		Op:          s.Op,
		From:        strings.ToLower(s.From.Hex()),
		Status:      s.Status.String(),
		BlockNumber: s.BlockNumber,
		GasUsed:     s.GasUsed,
		SentAt:      s.SentAt.UTC(),
	}
	if s.Status.Terminal() {
		at := s.SettledAt.UTC()
		row.SettledAt = &at
	}
	if s.DecodeErr != nil {
		row.DecodeError = s.DecodeErr.Error()
	}
	if s.Details != nil {
		b, err := json.Marshal(s.Details)
		if err != nil {
			return row, fmt.Errorf("marshal %s details: %w", s.Op, err)
		}
		row.Details = b
	}
	return row, nil
}

// CompactRows folds rows for the same hash into one, keeping the first
// position. A terminal row replaces a pending one; a pending row never
// replaces a terminal one. Postgres rejects an upsert batch that touches
// the same key twice.
func CompactRows(rows []JournalRow) []JournalRow {
	index := make(map[string]int, len(rows))
	out := make([]JournalRow, 0, len(rows))
	for _, r := range rows {
		i, ok := index[r.Hash]
		if !ok {
			index[r.Hash] = len(out)
			out = append(out, r)
			continue
		}
		if r.Terminal() {
			sentAt := out[i].SentAt
			out[i] = r
			if !sentAt.IsZero() && (r.SentAt.IsZero() || sentAt.Before(r.SentAt)) {
				out[i].SentAt = sentAt
			}
		}
	}
	return out
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// JournalWriter batch-writes journal rows with a multi-row upsert.
type JournalWriter struct {
	db *sql.DB
}

func NewJournalWriter(db *sql.DB) *JournalWriter {
	return &JournalWriter{db: db}
}

// WriteBatch upserts rows in one statement. Outcomes overwrite pending
// rows; pending rows never overwrite outcomes.
func (w *JournalWriter) WriteBatch(ctx context.Context, rows []JournalRow) error {
	return writeJournal(ctx, w.db, rows)
}

func writeJournal(ctx context.Context, db execer, rows []JournalRow) error {
	rows = CompactRows(rows)
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO trove.transactions
		(hash, op, from_address, status, block_number, gas_used, details, decode_error, sent_at, settled_at)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		base := i * cols
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		var details any
		if r.Details != nil {
			details = string(r.Details)
		}
		var decodeErr any
		if r.DecodeError != "" {
			decodeErr = r.DecodeError
		}
		args = append(args,
			r.Hash, r.Op, r.From, r.Status, int64(r.BlockNumber), int64(r.GasUsed),
			details, decodeErr, r.SentAt, r.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += `
		ON CONFLICT (hash) DO UPDATE SET
			status = EXCLUDED.status,
			block_number = EXCLUDED.block_number,
			gas_used = EXCLUDED.gas_used,
			details = EXCLUDED.details,
			decode_error = EXCLUDED.decode_error,
			settled_at = EXCLUDED.settled_at
		WHERE trove.transactions.status = 'pending' AND EXCLUDED.status <> 'pending'`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}
