package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskLedgerReconcile compares booked quantities with the movement log.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskStockLowScan reports ledger rows below the low-stock threshold.
	TaskStockLowScan = "stock:lowscan"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: integrate with the shop's SMTP relay once provisioned.
	fmt.Printf("[jobs] send email to %s subject=%s\n", payload.To, payload.Subject)
	return nil
}

// LedgerReconcilePayload tunes the reconciliation pass.
type LedgerReconcilePayload struct {
	// Tolerance below which a booked-vs-log difference is not drift.
	Tolerance float64 `json:"tolerance"`
}

// NewLedgerReconcileTask constructs the reconciliation task.
func NewLedgerReconcileTask(tolerance float64) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerReconcilePayload{Tolerance: tolerance})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, data), nil
}

// LowStockScanPayload tunes the low-stock scan.
type LowStockScanPayload struct {
	Threshold float64 `json:"threshold"`
}

// NewLowStockScanTask constructs the low-stock scan task.
func NewLowStockScanTask(threshold float64) (*asynq.Task, error) {
	data, err := json.Marshal(LowStockScanPayload{Threshold: threshold})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockLowScan, data), nil
}

// IdempotencyCleanupPayload tunes key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
