package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/quota"
)

// QuotaRepositoryPG implements domain.QuotaRepository. Debit and Refund run
// inside a transaction with the affected grant rows locked, so each call is
// all-or-nothing under concurrent access.
type QuotaRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewQuotaRepository creates a quota repository backed by PostgreSQL.
func NewQuotaRepository(pool *pgxpool.Pool) *QuotaRepositoryPG {
	return &QuotaRepositoryPG{pool: pool}
}

// InsertDailyGrant inserts the grant unless one already exists for the
// (user, type, day) key. The unique index carries the idempotency.
func (r *QuotaRepositoryPG) InsertDailyGrant(ctx context.Context, grant *domain.QuotaGrant, dayKey time.Time) (bool, error) {
	query := `
INSERT INTO quota_grants (id, user_id, type, amount, consumed, issued_at, expires_at, day_key)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
ON CONFLICT (user_id, type, day_key) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, query,
		grant.ID,
		grant.UserID,
		grant.Type,
		grant.Amount,
		grant.IssuedAt,
		grant.ExpiresAt,
		dayKey,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TotalAvailable sums the spendable remainder across live grants.
func (r *QuotaRepositoryPG) TotalAvailable(ctx context.Context, userID string) (int, error) {
	query := `
SELECT COALESCE(SUM(amount - consumed), 0)
FROM quota_grants
WHERE user_id = $1
  AND consumed < amount
  AND (expires_at IS NULL OR expires_at > NOW());
`
	var total int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// Debit locks the user's live grants, plans the allocation soonest-expiry
// first, applies it, and records one consume transaction.
func (r *QuotaRepositoryPG) Debit(ctx context.Context, userID string, amount int, note string) (*domain.QuotaTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, user_id, type, amount, consumed, issued_at, expires_at
FROM quota_grants
WHERE user_id = $1
  AND consumed < amount
  AND (expires_at IS NULL OR expires_at > NOW())
ORDER BY expires_at ASC NULLS LAST, issued_at ASC
FOR UPDATE;
`, userID)
	if err != nil {
		return nil, err
	}
	var grants []domain.QuotaGrant
	for rows.Next() {
		var g domain.QuotaGrant
		if err := rows.Scan(&g.ID, &g.UserID, &g.Type, &g.Amount, &g.Consumed, &g.IssuedAt, &g.ExpiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		grants = append(grants, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	allocs, err := quota.PlanDebit(grants, amount, time.Now())
	if err != nil {
		return nil, err
	}
	for _, a := range allocs {
		if _, err := tx.Exec(ctx,
			`UPDATE quota_grants SET consumed = consumed + $2, updated_at = NOW() WHERE id = $1`,
			a.GrantID, a.Amount); err != nil {
			return nil, err
		}
	}

	record := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        domain.QuotaTxConsume,
		Amount:      -amount,
		Allocations: allocs,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// Refund reverses a consume transaction's allocations exactly once. The
// original transaction row is locked to serialize concurrent refund
// attempts; the loser sees the existing refund and gets
// ErrDuplicateOperation.
func (r *QuotaRepositoryPG) Refund(ctx context.Context, consumeTxID, note string) (*domain.QuotaTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		userID      string
		txType      domain.QuotaTxType
		amount      int
		allocsRaw   []byte
		allocations []domain.GrantAllocation
	)
	err = tx.QueryRow(ctx, `
SELECT user_id, type, amount, allocations
FROM quota_transactions
WHERE id = $1
FOR UPDATE;
`, consumeTxID).Scan(&userID, &txType, &amount, &allocsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if txType != domain.QuotaTxConsume {
		return nil, fmt.Errorf("%w: transaction %s is not a consume", domain.ErrValidation, consumeTxID)
	}
	if err := json.Unmarshal(allocsRaw, &allocations); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM quota_transactions WHERE related_tx_id = $1 AND type = 'refund')`,
		consumeTxID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, domain.ErrDuplicateOperation
	}

	for _, a := range allocations {
		if _, err := tx.Exec(ctx,
			`UPDATE quota_grants SET consumed = GREATEST(consumed - $2, 0), updated_at = NOW() WHERE id = $1`,
			a.GrantID, a.Amount); err != nil {
			return nil, err
		}
	}

	record := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        domain.QuotaTxRefund,
		Amount:      -amount,
		Allocations: allocations,
		RelatedTxID: consumeTxID,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// GetTransaction fetches one ledger entry.
func (r *QuotaRepositoryPG) GetTransaction(ctx context.Context, txID string) (*domain.QuotaTransaction, error) {
	query := `
SELECT id, user_id, type, amount, allocations, COALESCE(related_tx_id, ''), note, created_at
FROM quota_transactions
WHERE id = $1;
`
	var (
		record    domain.QuotaTransaction
		allocsRaw []byte
	)
	err := r.pool.QueryRow(ctx, query, txID).Scan(
		&record.ID,
		&record.UserID,
		&record.Type,
		&record.Amount,
		&allocsRaw,
		&record.RelatedTxID,
		&record.Note,
		&record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allocsRaw, &record.Allocations); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}
	return &record, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, record *domain.QuotaTransaction) error {
	allocs, err := json.Marshal(record.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO quota_transactions (id, user_id, type, amount, allocations, related_tx_id, note, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8);
`, record.ID, record.UserID, record.Type, record.Amount, allocs, record.RelatedTxID, record.Note, record.CreatedAt)
	return err
}
