// Package settings implements the singleton user preferences record (§3
// "User preferences"): the default model key used by the Processing Worker
// and the auto-generate-on-view flag consulted by interactive frontends.
// Grounded on internal/domain/user/repository.go's single-row upsert shape.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no preferences row exists for a user.
var ErrNotFound = errors.New("settings: not found")

// GlobalUserID is the sentinel row identity for the global preferences
// singleton. The schema's user_settings.user_id is a NOT NULL primary key
// (§3 allows "user id may be null for global" conceptually, but a SQL
// primary key can't itself be NULL), so the global record is addressed by
// the nil UUID instead of a NULL column value.
var GlobalUserID = uuid.UUID{}

// Entity is the user_settings row.
type Entity struct {
	UserID             uuid.UUID      `db:"user_id"`
	DefaultModelKey    sql.NullString `db:"default_model_key"`
	AutoGenerateOnView bool           `db:"auto_generate_on_view"`
}

// DefaultModelKeyFallback is used by the Processing Worker when no
// preferences row exists at all (fresh install, nothing ever saved).
const DefaultModelKeyFallback = "small"

// Repository persists the preferences singleton(s).
type Repository interface {
	Get(ctx context.Context, userID uuid.UUID) (*Entity, error)
	Upsert(ctx context.Context, e *Entity) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository returns a sqlx-backed Repository.
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, userID uuid.UUID) (*Entity, error) {
	var e Entity
	err := r.db.GetContext(ctx, &e, `SELECT * FROM user_settings WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settings: get: %w", err)
	}
	return &e, nil
}

func (r *repository) Upsert(ctx context.Context, e *Entity) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO user_settings (user_id, default_model_key, auto_generate_on_view)
		VALUES (:user_id, :default_model_key, :auto_generate_on_view)
		ON CONFLICT (user_id) DO UPDATE SET
			default_model_key = EXCLUDED.default_model_key,
			auto_generate_on_view = EXCLUDED.auto_generate_on_view`, e)
	if err != nil {
		return fmt.Errorf("settings: upsert: %w", err)
	}
	return nil
}

// DefaultModelKey resolves the effective default model for the global
// singleton, falling back to DefaultModelKeyFallback when no row exists or
// no model is set — the worker must always have something to load.
func DefaultModelKey(ctx context.Context, repo Repository) string {
	e, err := repo.Get(ctx, GlobalUserID)
	if err != nil || !e.DefaultModelKey.Valid || e.DefaultModelKey.String == "" {
		return DefaultModelKeyFallback
	}
	return e.DefaultModelKey.String
}
