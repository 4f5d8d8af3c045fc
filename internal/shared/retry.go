package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const txRetryAttempts = 3

// RetryTx runs fn and reruns it when PostgreSQL aborts the transaction
// with a serialization failure (SQLSTATE 40001). Repeatable-read
// transactions over overlapping rows can lose that race even though a
// plain rerun would succeed, so the whole function is retried with a
// short backoff instead of surfacing the abort to the caller.
func RetryTx(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		if err = fn(ctx); !IsSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

// IsSerializationFailure reports whether err carries SQLSTATE 40001.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
