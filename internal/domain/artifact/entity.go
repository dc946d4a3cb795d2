// Package artifact implements the Artifact Store (§4.1): the single
// authority on whether a generated 3D asset exists for a (media, kind,
// model, format) tuple, backed by both a relational table and a filesystem
// directory that must stay reconciled.
package artifact

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Kind is the asset kind an Artifact represents.
type Kind string

const (
	KindDepth Kind = "depth"
	KindSplat Kind = "splat"
)

// Entity is the artifacts row. (media_id, asset_kind, model_key, format) is
// unique; a NULL model_key is itself a distinct, singular value for
// uniqueness purposes ("no model").
type Entity struct {
	ID           uuid.UUID      `db:"id"`
	MediaID      uuid.UUID      `db:"media_id"`
	AssetKind    Kind           `db:"asset_kind"`
	ModelKey     sql.NullString `db:"model_key"`
	Format       string         `db:"format"`
	FilePath     sql.NullString `db:"file_path"`
	ByteSize     int64          `db:"byte_size"`
	Width        sql.NullInt32  `db:"width"`
	Height       sql.NullInt32  `db:"height"`
	Metadata     []byte         `db:"metadata"` // jsonb, free-form (includes "variant": thumbnail|full_resolution)
	GeneratedAt  time.Time      `db:"generated_at"`
}

// extensionFor maps an artifact format to its file extension. Image formats
// for depth maps; ply/splat/ksplat for gaussian splats.
func extensionFor(format string) string {
	switch format {
	case "png", "jpg", "jpeg", "webp", "ply", "splat", "ksplat":
		return format
	default:
		return "bin"
	}
}
