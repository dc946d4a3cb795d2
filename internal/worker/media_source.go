package worker

import (
	"bytes"
	"context"
	"io"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/media"
	"github.com/mwork/depth-orchestrator/internal/medialibrary"
	"github.com/mwork/depth-orchestrator/internal/pkg/storage"
)

// LibraryThumbnailer is the narrow slice of medialibrary.Client the default
// MediaSource needs to fetch a thumbnail rendition for externally mirrored
// media.
type LibraryThumbnailer interface {
	Thumbnail(ctx context.Context, externalID string, opts medialibrary.ThumbnailOptions) ([]byte, error)
	Original(ctx context.Context, externalID string) ([]byte, error)
}

// defaultMediaSource implements MediaSource over the upload storage backend
// (for locally uploaded media) and the media-library adapter (for
// externally mirrored media), grounded on orchestration.Service's
// fetchSourceBytes split between the two same backends.
type defaultMediaSource struct {
	uploads storage.Storage
	library LibraryThumbnailer
}

// NewMediaSource builds the Worker's default MediaSource: local uploads are
// read straight from storage with no separate thumbnail rendition (the
// orchestrator never generates its own thumbnails for direct uploads), and
// externally mirrored media fetch both variants from the library.
func NewMediaSource(uploads storage.Storage, library LibraryThumbnailer) MediaSource {
	return &defaultMediaSource{uploads: uploads, library: library}
}

func (s *defaultMediaSource) ThumbnailBytes(ctx context.Context, m *media.Entity) ([]byte, error) {
	if m.ExternalID.Valid {
		return s.library.Thumbnail(ctx, m.ExternalID.String, medialibrary.ThumbnailOptions{Format: "JPEG", Size: "thumbnail"})
	}
	return nil, apperr.New(apperr.KindNotFound, "no thumbnail variant for locally uploaded media")
}

func (s *defaultMediaSource) OriginalBytes(ctx context.Context, m *media.Entity) ([]byte, error) {
	if m.ExternalID.Valid {
		return s.library.Original(ctx, m.ExternalID.String)
	}
	if !m.FilePath.Valid {
		return nil, apperr.New(apperr.KindInvalidInput, "media has no source file")
	}
	rc, err := s.uploads.Get(ctx, m.FilePath.String)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read uploaded source file", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read uploaded source file", err)
	}
	return buf.Bytes(), nil
}
