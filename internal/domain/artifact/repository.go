package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when an artifact row does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Repository persists Artifact rows, grounded on the teacher's
// internal/domain/photo/repository.go unique-tuple upsert shape.
type Repository interface {
	// Upsert writes or replaces the row for the unique tuple
	// (media_id, asset_kind, model_key, format), bumping generated_at.
	Upsert(ctx context.Context, e *Entity) error
	Get(ctx context.Context, mediaID uuid.UUID, kind Kind, modelKey string, format string) (*Entity, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entity, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByMedia(ctx context.Context, mediaID uuid.UUID) ([]*Entity, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository returns a sqlx-backed Repository.
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Upsert(ctx context.Context, e *Entity) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	query := `
		INSERT INTO artifacts (id, media_id, asset_kind, model_key, format, file_path, byte_size,
		                        width, height, metadata, generated_at)
		VALUES (:id, :media_id, :asset_kind, :model_key, :format, :file_path, :byte_size,
		        :width, :height, :metadata, now())
		ON CONFLICT (media_id, asset_kind, coalesce(model_key, ''), format)
		DO UPDATE SET file_path = EXCLUDED.file_path,
		              byte_size = EXCLUDED.byte_size,
		              width = EXCLUDED.width,
		              height = EXCLUDED.height,
		              metadata = EXCLUDED.metadata,
		              generated_at = now()
		RETURNING id, generated_at`
	rows, err := r.db.NamedQueryContext(ctx, query, e)
	if err != nil {
		return fmt.Errorf("artifact: upsert: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&e.ID, &e.GeneratedAt); err != nil {
			return fmt.Errorf("artifact: upsert: scan: %w", err)
		}
	}
	return nil
}

func (r *repository) Get(ctx context.Context, mediaID uuid.UUID, kind Kind, modelKey string, format string) (*Entity, error) {
	var e Entity
	err := r.db.GetContext(ctx, &e, `
		SELECT * FROM artifacts
		WHERE media_id = $1 AND asset_kind = $2 AND coalesce(model_key, '') = $3 AND format = $4`,
		mediaID, kind, modelKey, format)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: get: %w", err)
	}
	return &e, nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Entity, error) {
	var e Entity
	err := r.db.GetContext(ctx, &e, `SELECT * FROM artifacts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: get by id: %w", err)
	}
	return &e, nil
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("artifact: delete: %w", err)
	}
	return nil
}

func (r *repository) ListByMedia(ctx context.Context, mediaID uuid.UUID) ([]*Entity, error) {
	var artifacts []*Entity
	err := r.db.SelectContext(ctx, &artifacts, `
		SELECT * FROM artifacts WHERE media_id = $1 ORDER BY generated_at DESC`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("artifact: list by media: %w", err)
	}
	return artifacts, nil
}
