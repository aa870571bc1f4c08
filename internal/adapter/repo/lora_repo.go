package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fluxreve-server/internal/domain"
)

// LoraRepositoryPG implements domain.LoraRepository.
type LoraRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLoraRepository creates a lora repository backed by PostgreSQL.
func NewLoraRepository(pool *pgxpool.Pool) *LoraRepositoryPG {
	return &LoraRepositoryPG{pool: pool}
}

const loraColumns = `id, user_id, url, trigger_word, prompt, title, description, compatible_models, asset_urls, created_at, updated_at`

// Create inserts a new lora record.
func (r *LoraRepositoryPG) Create(ctx context.Context, lora *domain.Lora) error {
	models, urls, err := encodeLoraArrays(lora)
	if err != nil {
		return err
	}
	query := `
INSERT INTO loras (id, user_id, url, trigger_word, prompt, title, description, compatible_models, asset_urls)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err = r.pool.Exec(ctx, query,
		lora.ID,
		lora.UserID,
		lora.URL,
		lora.TriggerWord,
		lora.Prompt,
		lora.Title,
		lora.Description,
		models,
		urls,
	)
	return err
}

// GetByID fetches a lora by its identifier.
func (r *LoraRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Lora, error) {
	query := `SELECT ` + loraColumns + ` FROM loras WHERE id = $1;`
	return scanLora(r.pool.QueryRow(ctx, query, id))
}

// List returns loras matching the filter, newest first. The model filter is
// a JSONB containment check against compatible_models.
func (r *LoraRepositoryPG) List(ctx context.Context, filter domain.LoraFilter) ([]domain.Lora, error) {
	where := `WHERE TRUE`
	args := []any{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.Model != "" {
		contains, err := json.Marshal([]string{filter.Model})
		if err != nil {
			return nil, err
		}
		args = append(args, contains)
		where += fmt.Sprintf(` AND compatible_models @> $%d::jsonb`, len(args))
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
	query := fmt.Sprintf(`SELECT %s FROM loras %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		loraColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Lora
	for rows.Next() {
		lora, err := scanLora(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lora)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a lora.
func (r *LoraRepositoryPG) Update(ctx context.Context, lora *domain.Lora) error {
	models, urls, err := encodeLoraArrays(lora)
	if err != nil {
		return err
	}
	query := `
UPDATE loras
SET url = $2,
    trigger_word = $3,
    prompt = $4,
    title = $5,
    description = $6,
    compatible_models = $7,
    asset_urls = $8,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		lora.ID,
		lora.URL,
		lora.TriggerWord,
		lora.Prompt,
		lora.Title,
		lora.Description,
		models,
		urls,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a lora.
func (r *LoraRepositoryPG) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM loras WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanLora(row pgx.Row) (*domain.Lora, error) {
	var (
		lora   domain.Lora
		models []byte
		urls   []byte
	)
	if err := row.Scan(
		&lora.ID,
		&lora.UserID,
		&lora.URL,
		&lora.TriggerWord,
		&lora.Prompt,
		&lora.Title,
		&lora.Description,
		&models,
		&urls,
		&lora.CreatedAt,
		&lora.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(models) > 0 {
		if err := json.Unmarshal(models, &lora.CompatibleModels); err != nil {
			return nil, fmt.Errorf("decode compatible models: %w", err)
		}
	}
	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &lora.AssetURLs); err != nil {
			return nil, fmt.Errorf("decode asset urls: %w", err)
		}
	}
	return &lora, nil
}

func encodeLoraArrays(lora *domain.Lora) ([]byte, []byte, error) {
	models := lora.CompatibleModels
	if models == nil {
		models = []string{}
	}
	urls := lora.AssetURLs
	if urls == nil {
		urls = []string{}
	}
	encodedModels, err := json.Marshal(models)
	if err != nil {
		return nil, nil, fmt.Errorf("encode compatible models: %w", err)
	}
	encodedURLs, err := json.Marshal(urls)
	if err != nil {
		return nil, nil, fmt.Errorf("encode asset urls: %w", err)
	}
	return encodedModels, encodedURLs, nil
}
