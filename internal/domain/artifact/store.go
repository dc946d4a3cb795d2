package artifact

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/depth-orchestrator/internal/pkg/storage"
)

// Store is the Artifact Store: Repository plus a filesystem backend,
// reusing the teacher's storage.Storage interface so local, S3, and R2
// backends all work unmodified (internal/pkg/storage/{local,s3,r2}.go).
type Store struct {
	repo    Repository
	backend storage.Storage
}

// NewStore builds a Store.
func NewStore(repo Repository, backend storage.Storage) *Store {
	return &Store{repo: repo, backend: backend}
}

// Lookup returns the artifact descriptor for a (media, kind, model), or
// none if absent. A DB row whose file cannot be read is treated as not
// existing: the row is deleted and none is returned (§4.1).
func (s *Store) Lookup(ctx context.Context, mediaID uuid.UUID, kind Kind, modelKey string, format string) (*Entity, error) {
	e, err := s.repo.Get(ctx, mediaID, kind, modelKey, format)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !e.FilePath.Valid {
		return e, nil
	}

	exists, err := s.backend.Exists(ctx, e.FilePath.String)
	if err != nil || !exists {
		log.Warn().Str("artifact_id", e.ID.String()).Str("file_path", e.FilePath.String).
			Msg("artifact row present but file unreadable, reconciling by deleting row")
		if delErr := s.repo.Delete(ctx, e.ID); delErr != nil {
			log.Error().Err(delErr).Str("artifact_id", e.ID.String()).Msg("failed to delete stale artifact row")
		}
		return nil, nil
	}

	return e, nil
}

// Read streams the artifact bytes for an already-looked-up entity.
func (s *Store) Read(ctx context.Context, e *Entity) ([]byte, error) {
	if !e.FilePath.Valid {
		return nil, fmt.Errorf("artifact: no file path recorded")
	}
	rc, err := s.backend.Get(ctx, e.FilePath.String)
	if err != nil {
		return nil, fmt.Errorf("artifact: read: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("artifact: read: %w", err)
	}
	return buf.Bytes(), nil
}

// Put writes bytes to a deterministic path under the artifact root, then
// upserts the row by the unique tuple. Idempotent on retry: a later Put for
// the same tuple overwrites the file and bumps generated_at.
func (s *Store) Put(ctx context.Context, mediaID uuid.UUID, kind Kind, modelKey, format string, data []byte, width, height int32, metadata []byte) (*Entity, error) {
	key := buildPath(mediaID, kind, modelKey, format)

	contentType := contentTypeFor(format)
	if err := s.backend.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return nil, fmt.Errorf("artifact: put: storage write: %w", err)
	}

	e := &Entity{
		MediaID:   mediaID,
		AssetKind: kind,
		Format:    format,
		FilePath:  sql.NullString{String: key, Valid: true},
		ByteSize:  int64(len(data)),
		Metadata:  metadata,
	}
	if modelKey != "" {
		e.ModelKey = sql.NullString{String: modelKey, Valid: true}
	}
	if width > 0 {
		e.Width = sql.NullInt32{Int32: width, Valid: true}
	}
	if height > 0 {
		e.Height = sql.NullInt32{Int32: height, Valid: true}
	}

	if err := s.repo.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("artifact: put: upsert: %w", err)
	}
	return e, nil
}

// Delete removes the row and attempts a filesystem unlink; unlink failure
// is logged, not fatal, per §4.1.
func (s *Store) Delete(ctx context.Context, artifactID uuid.UUID) error {
	e, err := s.repo.GetByID(ctx, artifactID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("artifact: delete: %w", err)
	}

	if err := s.repo.Delete(ctx, artifactID); err != nil {
		return fmt.Errorf("artifact: delete: %w", err)
	}

	if e.FilePath.Valid {
		if err := s.backend.Delete(ctx, e.FilePath.String); err != nil {
			log.Warn().Err(err).Str("artifact_id", artifactID.String()).Msg("failed to unlink artifact file")
		}
	}
	return nil
}

func (s *Store) ListByMedia(ctx context.Context, mediaID uuid.UUID) ([]*Entity, error) {
	return s.repo.ListByMedia(ctx, mediaID)
}

// buildPath builds the deterministic storage key
// <media-id>_<model_key>_<kind>.<ext>, relative to the backend's root, with
// "none" standing in for an empty model_key and the whole name sanitized.
// The key carries no base name taken from the media's original filename.
func buildPath(mediaID uuid.UUID, kind Kind, modelKey, format string) string {
	model := modelKey
	if model == "" {
		model = "none"
	}
	base := sanitize(fmt.Sprintf("%s_%s_%s", mediaID.String(), model, kind))
	return fmt.Sprintf("%s.%s", base, extensionFor(format))
}

// sanitize replaces any character outside [A-Za-z0-9._-] with '_'.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func contentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "ply":
		return "application/octet-stream"
	case "splat", "ksplat":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}
