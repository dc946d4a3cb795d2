package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a media row does not exist.
var ErrNotFound = errors.New("media: not found")

// Repository persists Media rows. At most one Media per external id;
// when external id is unset the internal id alone identifies the row.
type Repository interface {
	Create(ctx context.Context, m *Entity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entity, error)
	GetByExternalID(ctx context.Context, externalID string) (*Entity, error)
	UpdateDimensions(ctx context.Context, id uuid.UUID, width, height int32) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository returns a sqlx-backed Repository, grounded on the
// teacher's photo repository's scan-by-struct-tag convention.
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, m *Entity) error {
	query := `
		INSERT INTO media (id, external_id, original_filename, mime_type, kind, file_path, external_uri,
		                    byte_size, captured_at, width, height, created_at)
		VALUES (:id, :external_id, :original_filename, :mime_type, :kind, :file_path, :external_uri,
		        :byte_size, :captured_at, :width, :height, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, m)
	if err != nil {
		return fmt.Errorf("media: create: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Entity, error) {
	var m Entity
	err := r.db.GetContext(ctx, &m, `SELECT * FROM media WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("media: get by id: %w", err)
	}
	return &m, nil
}

func (r *repository) GetByExternalID(ctx context.Context, externalID string) (*Entity, error) {
	var m Entity
	err := r.db.GetContext(ctx, &m, `SELECT * FROM media WHERE external_id = $1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("media: get by external id: %w", err)
	}
	return &m, nil
}

func (r *repository) UpdateDimensions(ctx context.Context, id uuid.UUID, width, height int32) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE media SET width = $1, height = $2 WHERE id = $3`, width, height, id)
	if err != nil {
		return fmt.Errorf("media: update dimensions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("media: update dimensions: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	// Cascades to jobs/artifacts via FK ON DELETE CASCADE.
	_, err := r.db.ExecContext(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("media: delete: %w", err)
	}
	return nil
}
