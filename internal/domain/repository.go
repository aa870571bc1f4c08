package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TaskRepository defines persistence for generation tasks.
//
// Complete/Fail are conditional writes: they only apply while the task is in
// a non-terminal state and report whether they took effect, so a replayed
// webhook can be recognized as a no-op without a separate read.
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	GetByID(ctx context.Context, taskID string) (*Task, error)
	GetByShareID(ctx context.Context, shareID string) (*Task, error)
	ListByUser(ctx context.Context, userID string, filter TaskFilter) (*TaskPage, error)
	ListPublicCompleted(ctx context.Context, limit, offset int) (*TaskPage, error)
	MarkProcessing(ctx context.Context, taskID, providerRequestID string, progress int) error
	Complete(ctx context.Context, taskID string, results []TaskResult, durationMs int64) (bool, error)
	Fail(ctx context.Context, taskID, errMsg string, durationMs int64) (bool, error)
	SetRefundTx(ctx context.Context, taskID, txID string) error
	SetNSFW(ctx context.Context, taskID string, isNSFW bool, details json.RawMessage) error
	SoftDelete(ctx context.Context, taskID string) error
	// RecordView inserts a view record and increments the task view counter
	// in one transaction. It returns true when the (task, ip) pair had
	// already been counted.
	RecordView(ctx context.Context, view TaskView) (duplicate bool, err error)
	// ListStuckProcessing returns non-terminal tasks whose last update is
	// older than the cutoff. Used by the sweeper to enforce task timeouts.
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]Task, error)
}

// QuotaRepository defines the atomic ledger operations. Implementations must
// make each call all-or-nothing under concurrent access.
type QuotaRepository interface {
	// InsertDailyGrant inserts a daily grant keyed by (user, calendar day).
	// It reports false without error when the grant for that day already
	// exists.
	InsertDailyGrant(ctx context.Context, grant *QuotaGrant, dayKey time.Time) (bool, error)
	TotalAvailable(ctx context.Context, userID string) (int, error)
	// Debit consumes amount credits across the user's non-expired grants,
	// soonest expiry first. No partial debit: ErrInsufficientCredits leaves
	// every grant untouched.
	Debit(ctx context.Context, userID string, amount int, note string) (*QuotaTransaction, error)
	// Refund reverses a prior consume transaction. Refunding the same
	// transaction twice returns ErrDuplicateOperation.
	Refund(ctx context.Context, consumeTxID, note string) (*QuotaTransaction, error)
	GetTransaction(ctx context.Context, txID string) (*QuotaTransaction, error)
}

// LoraRepository handles persistence for lora assets.
type LoraRepository interface {
	Create(ctx context.Context, lora *Lora) error
	GetByID(ctx context.Context, id string) (*Lora, error)
	List(ctx context.Context, filter LoraFilter) ([]Lora, error)
	Update(ctx context.Context, lora *Lora) error
	Delete(ctx context.Context, id string) error
}

// UserRepository defines read access for accounts managed by the identity
// provider.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
}
