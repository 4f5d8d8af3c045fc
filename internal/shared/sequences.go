package shared

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// SequenceQuerier is satisfied by pgxpool.Pool and pgx.Tx alike, so a
// document number can be reserved either standalone or inside the
// transaction that creates the document.
type SequenceQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NextSequence reserves the next number for a document type within a
// period. The upsert increments server-side, so concurrent reservations
// never observe the same value — unlike scanning for the latest issued
// number and incrementing client-side.
func NextSequence(ctx context.Context, q SequenceQuerier, docType, period string) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx, `
		INSERT INTO document_sequences (doc_type, period, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (doc_type, period)
		DO UPDATE SET seq = document_sequences.seq + 1
		RETURNING seq
	`, docType, period).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}
