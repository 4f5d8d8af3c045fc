package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/observability"
)

// LedgerReconcileJob compares every booked ledger quantity with the sum of
// its movement log. Drift is logged and published as a gauge; repairs stay
// manual because a silent correction would hide the cause.
type LedgerReconcileJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *observability.Metrics
	clock   func() time.Time
}

// NewLedgerReconcileJob initialises the reconciliation handler.
func NewLedgerReconcileJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type ledgerDrift struct {
	ProductID  int64
	VariantID  int64
	LocationID int64
	Booked     float64
	LogSum     float64
}

// Handle executes one reconciliation pass.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Tolerance <= 0 {
		payload.Tolerance = 1e-4
	}

	start := j.now()
	logger := j.logger().With(slog.Float64("tolerance", payload.Tolerance))
	logger.Info("starting ledger reconciliation")

	rows, drifts, err := j.scan(ctx, payload.Tolerance)
	if err != nil {
		logger.Error("reconciliation failed", slog.Any("error", err))
		return err
	}

	j.Metrics.ResetLedgerDrift()
	for _, d := range drifts {
		logger.Warn("ledger drift detected",
			slog.Int64("product_id", d.ProductID),
			slog.Int64("variant_id", d.VariantID),
			slog.Int64("location_id", d.LocationID),
			slog.Float64("booked", d.Booked),
			slog.Float64("movement_sum", d.LogSum),
			slog.Float64("drift", d.Booked-d.LogSum),
		)
		j.Metrics.SetLedgerDrift(d.ProductID, d.VariantID, d.LocationID, d.Booked-d.LogSum)
	}

	logger.Info("completed ledger reconciliation",
		slog.Int("rows", rows),
		slog.Int("drifts", len(drifts)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *LedgerReconcileJob) scan(ctx context.Context, tolerance float64) (int, []ledgerDrift, error) {
	if j.Pool == nil {
		return 0, nil, errors.New("ledger reconcile: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT i.product_id, i.variant_id, i.location_id,
			i.quantity::double precision,
			COALESCE(SUM(m.quantity), 0)::double precision
		FROM stock_items i
		LEFT JOIN stock_movements m
			ON m.product_id = i.product_id
			AND m.variant_id = i.variant_id
			AND m.location_id = i.location_id
		GROUP BY i.product_id, i.variant_id, i.location_id, i.quantity
		ORDER BY i.product_id, i.variant_id, i.location_id`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	count := 0
	drifts := make([]ledgerDrift, 0)
	for rows.Next() {
		var d ledgerDrift
		if err := rows.Scan(&d.ProductID, &d.VariantID, &d.LocationID, &d.Booked, &d.LogSum); err != nil {
			return 0, nil, err
		}
		count++
		if math.Abs(d.Booked-d.LogSum) > tolerance {
			drifts = append(drifts, d)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return count, drifts, nil
}

func (j *LedgerReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *LedgerReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
