package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a model_key has no catalog entry.
var ErrNotFound = errors.New("model: not found")

// Catalog persists model descriptors. Per the shared-resource policy (§5),
// this table is mutated only by the Model Manager and the settings API.
type Catalog interface {
	Get(ctx context.Context, modelKey string) (*Entity, error)
	List(ctx context.Context) ([]*Entity, error)
	SetDownloadStatus(ctx context.Context, modelKey string, status DownloadStatus, progress int) error
	MarkDownloaded(ctx context.Context, modelKey string, byteSize int64) error
}

type catalog struct {
	db *sqlx.DB
}

// NewCatalog returns a sqlx-backed Catalog.
func NewCatalog(db *sqlx.DB) Catalog {
	return &catalog{db: db}
}

func (c *catalog) Get(ctx context.Context, modelKey string) (*Entity, error) {
	var e Entity
	err := c.db.GetContext(ctx, &e, `SELECT * FROM models WHERE model_key = $1`, modelKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("model: get: %w", err)
	}
	return &e, nil
}

func (c *catalog) List(ctx context.Context) ([]*Entity, error) {
	var entities []*Entity
	err := c.db.SelectContext(ctx, &entities, `SELECT * FROM models ORDER BY model_key`)
	if err != nil {
		return nil, fmt.Errorf("model: list: %w", err)
	}
	return entities, nil
}

func (c *catalog) SetDownloadStatus(ctx context.Context, modelKey string, status DownloadStatus, progress int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE models SET download_status = $1, download_progress = $2 WHERE model_key = $3`,
		status, progress, modelKey)
	if err != nil {
		return fmt.Errorf("model: set download status: %w", err)
	}
	return nil
}

func (c *catalog) MarkDownloaded(ctx context.Context, modelKey string, byteSize int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE models
		SET download_status = $1, download_progress = 100, byte_size = $2, downloaded_at = now()
		WHERE model_key = $3`, DownloadDownloaded, byteSize, modelKey)
	if err != nil {
		return fmt.Errorf("model: mark downloaded: %w", err)
	}
	return nil
}
