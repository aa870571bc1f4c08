// Package repo contains the PostgreSQL implementations of the domain
// repositories, backed by pgx.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fluxreve-server/internal/domain"
)

// TaskRepositoryPG implements domain.TaskRepository.
type TaskRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a task repository backed by PostgreSQL.
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepositoryPG {
	return &TaskRepositoryPG{pool: pool}
}

const taskColumns = `id, share_id, user_id, task_type, provider, provider_request_id, model, status, progress,
parameters, results, consume_tx_id, refund_tx_id, error_message, is_private, is_nsfw, nsfw_details,
view_count, started_at, completed_at, duration_ms, created_at, updated_at, deleted_at`

// Create inserts a new task record.
func (r *TaskRepositoryPG) Create(ctx context.Context, t *domain.Task) error {
	query := `
INSERT INTO tasks (id, share_id, user_id, task_type, provider, model, status, progress, parameters, consume_tx_id, is_private, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err := r.pool.Exec(ctx, query,
		t.ID,
		t.ShareID,
		t.UserID,
		t.Type,
		t.Provider,
		t.Model,
		t.Status,
		t.Progress,
		t.Parameters,
		t.ConsumeTxID,
		t.IsPrivate,
		t.StartedAt,
	)
	return err
}

// GetByID fetches a task by its identifier.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	return scanTask(r.pool.QueryRow(ctx, query, taskID))
}

// GetByShareID fetches a task by its public share identifier.
func (r *TaskRepositoryPG) GetByShareID(ctx context.Context, shareID string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE share_id = $1;`
	return scanTask(r.pool.QueryRow(ctx, query, shareID))
}

// ListByUser returns the user's non-deleted tasks, newest first.
func (r *TaskRepositoryPG) ListByUser(ctx context.Context, userID string, filter domain.TaskFilter) (*domain.TaskPage, error) {
	where := `WHERE user_id = $1 AND deleted_at IS NULL`
	args := []any{userID}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		where += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if len(filter.TaskTypes) > 0 {
		args = append(args, filter.TaskTypes)
		where += fmt.Sprintf(` AND task_type = ANY($%d)`, len(args))
	}
	if len(filter.Models) > 0 {
		args = append(args, filter.Models)
		where += fmt.Sprintf(` AND model = ANY($%d)`, len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &domain.TaskPage{Total: total}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, *t)
	}
	return page, rows.Err()
}

// ListPublicCompleted returns completed, public, non-deleted tasks with
// results, newest-completed first.
func (r *TaskRepositoryPG) ListPublicCompleted(ctx context.Context, limit, offset int) (*domain.TaskPage, error) {
	where := `
WHERE status = 'completed'
  AND is_private = FALSE
  AND deleted_at IS NULL
  AND jsonb_array_length(results) > 0`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks `+where).Scan(&total); err != nil {
		return nil, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY completed_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &domain.TaskPage{Total: total}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, *t)
	}
	return page, rows.Err()
}

// MarkProcessing moves a non-terminal task to processing, keeping any
// previously stored provider request id when the new one is empty.
func (r *TaskRepositoryPG) MarkProcessing(ctx context.Context, taskID, providerRequestID string, progress int) error {
	query := `
UPDATE tasks
SET status = 'processing',
    provider_request_id = CASE WHEN $2 <> '' THEN $2 ELSE provider_request_id END,
    progress = $3,
    updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'processing');
`
	_, err := r.pool.Exec(ctx, query, taskID, providerRequestID, progress)
	return err
}

// Complete conditionally finishes the task. The status guard makes replayed
// webhooks no-ops: the update only applies once.
func (r *TaskRepositoryPG) Complete(ctx context.Context, taskID string, results []domain.TaskResult, durationMs int64) (bool, error) {
	encoded, err := json.Marshal(results)
	if err != nil {
		return false, fmt.Errorf("encode results: %w", err)
	}
	query := `
UPDATE tasks
SET status = 'completed',
    progress = 100,
    results = $2,
    completed_at = NOW(),
    duration_ms = $3,
    updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'processing');
`
	tag, err := r.pool.Exec(ctx, query, taskID, encoded, durationMs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Fail conditionally fails the task. Same guard as Complete.
func (r *TaskRepositoryPG) Fail(ctx context.Context, taskID, errMsg string, durationMs int64) (bool, error) {
	query := `
UPDATE tasks
SET status = 'failed',
    error_message = $2,
    completed_at = NOW(),
    duration_ms = $3,
    updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'processing');
`
	tag, err := r.pool.Exec(ctx, query, taskID, errMsg, durationMs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetRefundTx links the compensating refund transaction to the task.
func (r *TaskRepositoryPG) SetRefundTx(ctx context.Context, taskID, txID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tasks SET refund_tx_id = $2, updated_at = NOW() WHERE id = $1`, taskID, txID)
	return err
}

// SetNSFW stores the moderation verdict.
func (r *TaskRepositoryPG) SetNSFW(ctx context.Context, taskID string, isNSFW bool, details json.RawMessage) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tasks SET is_nsfw = $2, nsfw_details = $3, updated_at = NOW() WHERE id = $1`,
		taskID, isNSFW, nullableBytes(details))
	return err
}

// SoftDelete hides the task from public surfaces.
func (r *TaskRepositoryPG) SoftDelete(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tasks SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, taskID)
	return err
}

// RecordView inserts a view record and bumps the counter in one transaction.
// The unique (task_id, ip_address) index makes repeats no-ops.
func (r *TaskRepositoryPG) RecordView(ctx context.Context, view domain.TaskView) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO task_view_records (task_id, ip_address, user_id, user_agent, country)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
ON CONFLICT (task_id, ip_address) DO NOTHING;
`, view.TaskID, view.IPAddress, view.UserID, view.UserAgent, view.Country)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return true, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET view_count = view_count + 1, updated_at = NOW() WHERE id = $1`, view.TaskID); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

// ListStuckProcessing returns non-terminal tasks last touched before cutoff.
func (r *TaskRepositoryPG) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + `
FROM tasks
WHERE status IN ('pending', 'processing') AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2;`
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t          domain.Task
		parameters []byte
		results    []byte
		details    []byte
	)
	if err := row.Scan(
		&t.ID,
		&t.ShareID,
		&t.UserID,
		&t.Type,
		&t.Provider,
		&t.ProviderRequestID,
		&t.Model,
		&t.Status,
		&t.Progress,
		&parameters,
		&results,
		&t.ConsumeTxID,
		&t.RefundTxID,
		&t.ErrorMessage,
		&t.IsPrivate,
		&t.IsNSFW,
		&details,
		&t.ViewCount,
		&t.StartedAt,
		&t.CompletedAt,
		&t.DurationMs,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	t.Parameters = parameters
	t.NSFWDetails = details
	if len(results) > 0 {
		if err := json.Unmarshal(results, &t.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &t, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
