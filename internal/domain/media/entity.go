// Package media holds the Media record: an imported or externally
// referenced photo or video that Jobs and Artifacts point back to.
package media

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of media kinds the orchestrator accepts.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// Entity is the media row as persisted.
type Entity struct {
	ID               uuid.UUID      `db:"id"`
	ExternalID       sql.NullString `db:"external_id"`
	OriginalFilename string         `db:"original_filename"`
	MimeType         string         `db:"mime_type"`
	Kind             Kind           `db:"kind"`
	FilePath         sql.NullString `db:"file_path"`
	ExternalURI      sql.NullString `db:"external_uri"`
	ByteSize         int64          `db:"byte_size"`
	CapturedAt       sql.NullTime   `db:"captured_at"`
	Width            sql.NullInt32  `db:"width"`
	Height           sql.NullInt32  `db:"height"`
	CreatedAt        time.Time      `db:"created_at"`
}

// IsVideo reports whether this entity is gated by the experimental-video flag.
func (e *Entity) IsVideo() bool {
	return e.Kind == KindVideo
}
