package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LowStockScanJob reports ledger rows whose on-hand quantity fell below the
// restock threshold.
type LowStockScanJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	// Mailer is optional; when set the report is also queued as an email
	// to the purchasing inbox.
	Mailer    *Client
	Recipient string
	clock     func() time.Time
}

// NewLowStockScanJob initialises the low-stock scan handler.
func NewLowStockScanJob(pool *pgxpool.Pool, logger *slog.Logger, mailer *Client, recipient string) *LowStockScanJob {
	return &LowStockScanJob{
		Pool:      pool,
		Logger:    logger,
		Mailer:    mailer,
		Recipient: recipient,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type lowStockRow struct {
	ProductID  int64
	VariantID  int64
	LocationID int64
	Quantity   float64
	Name       string
}

// Handle executes the low-stock scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Threshold <= 0 {
		payload.Threshold = 5
	}

	start := j.now()
	logger := j.logger().With(slog.Float64("threshold", payload.Threshold))
	logger.Info("starting low stock scan")

	items, err := j.scan(ctx, payload.Threshold)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}

	for _, item := range items {
		logger.Warn("low stock",
			slog.Int64("product_id", item.ProductID),
			slog.Int64("variant_id", item.VariantID),
			slog.Int64("location_id", item.LocationID),
			slog.String("product", item.Name),
			slog.Float64("quantity", item.Quantity),
		)
	}

	if j.Mailer != nil && j.Recipient != "" && len(items) > 0 {
		if _, err := j.Mailer.EnqueueSendEmail(ctx, SendEmailPayload{
			To:      j.Recipient,
			Subject: fmt.Sprintf("Low stock report: %d items below %.0f", len(items), payload.Threshold),
			Body:    formatLowStockReport(items),
		}); err != nil {
			logger.Warn("enqueue report email", slog.Any("error", err))
		}
	}

	logger.Info("completed low stock scan",
		slog.Int("items", len(items)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *LowStockScanJob) scan(ctx context.Context, threshold float64) ([]lowStockRow, error) {
	if j.Pool == nil {
		return nil, errors.New("low stock scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT i.product_id, i.variant_id, i.location_id,
			i.quantity::double precision, COALESCE(p.name, '')
		FROM stock_items i
		LEFT JOIN products p ON p.id = i.product_id
		WHERE i.quantity < $1
		ORDER BY i.quantity, i.product_id`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []lowStockRow
	for rows.Next() {
		var item lowStockRow
		if err := rows.Scan(&item.ProductID, &item.VariantID, &item.LocationID, &item.Quantity, &item.Name); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func formatLowStockReport(items []lowStockRow) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "%s (product %d, location %d): %.2f on hand\n",
			item.Name, item.ProductID, item.LocationID, item.Quantity)
	}
	return b.String()
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockLowScan))
	}
	return slog.Default().With(slog.String("job", TaskStockLowScan))
}

func (j *LowStockScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
