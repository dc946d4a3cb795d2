// Package orchestration implements the Orchestration API (§4.8): the public
// operations the REST facade and realtime bridge both drive, plus the
// on-demand generate interaction pattern (§4.9). The REST facade itself is
// out of scope (spec §1's external-collaborators list), so this package
// owns only the service layer and a thin driving HTTP surface (http.go,
// mounted by cmd/api) —
// grounded on cmd/api/main.go's construct-repositories-then-services wiring
// style and internal/domain/photo/service.go's service-over-repository
// shape.
package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/artifact"
	"github.com/mwork/depth-orchestrator/internal/domain/job"
	"github.com/mwork/depth-orchestrator/internal/domain/media"
	"github.com/mwork/depth-orchestrator/internal/domain/model"
	"github.com/mwork/depth-orchestrator/internal/domain/settings"
	"github.com/mwork/depth-orchestrator/internal/events"
	"github.com/mwork/depth-orchestrator/internal/medialibrary"
	"github.com/mwork/depth-orchestrator/internal/pkg/storage"
)

// InferenceClient is the narrow slice of internal/inference.Client the
// on-demand path needs.
type InferenceClient interface {
	ProcessDepth(ctx context.Context, imageBytes []byte, modelKey string) ([]byte, error)
	ProcessSplat(ctx context.Context, imageBytes []byte, modelKey string) ([]byte, error)
}

// ModelManager is the narrow slice of model.Manager the service needs.
type ModelManager interface {
	EnsureLoaded(ctx context.Context, modelKey string, trigger model.Trigger, deviceHint string) error
	RegisterActivity(ctx context.Context, trigger model.Trigger)
	Unload(ctx context.Context, specificKey string) error
	Snapshot(ctx context.Context) model.Snapshot
}

// Worker is the narrow slice of internal/worker.Worker the service needs
// for worker_start/worker_stop/worker_status.
type Worker interface {
	IsRunning() bool
}

// WorkerController lets the service start/stop the worker loop without
// depending on internal/worker directly (avoids an import cycle, since
// internal/worker never needs to call back into orchestration).
type WorkerController struct {
	Worker    Worker
	StartFunc func()
	StopFunc  func()
}

// pendingCacheWrite is one fire-and-forget artifact upsert queued by
// GenerateOnDemand, per the Design Notes "bounded-queue side channel so
// failures are observable" resolution.
type pendingCacheWrite struct {
	mediaID  uuid.UUID
	kind     artifact.Kind
	modelKey string
	format   string
	data     []byte
	width    int32
	height   int32
}

// Service implements every Orchestration API operation from §4.8.
type Service struct {
	media     media.Repository
	jobs      *job.Queue
	artifacts *artifact.Store
	models    ModelManager
	inference InferenceClient
	library   *medialibrary.Client
	settings  settings.Repository
	bus       *events.Hub
	uploads   storage.Storage
	worker    WorkerController

	cacheWriteCh chan pendingCacheWrite
}

// Config bounds the on-demand cache-write queue depth.
type Config struct {
	CacheWriteQueueDepth int // default 64
}

// New builds a Service and starts its background cache-write drainer. ctx
// governs the drainer's lifetime; cancelling it stops the drainer, after
// which queued fire-and-forget writes are no longer persisted (new ones
// still fill the buffer and are then dropped).
func New(ctx context.Context, mediaRepo media.Repository, jobs *job.Queue, artifacts *artifact.Store,
	models ModelManager, inference InferenceClient, library *medialibrary.Client, settingsRepo settings.Repository,
	bus *events.Hub, uploads storage.Storage, worker WorkerController, cfg Config) *Service {
	depth := cfg.CacheWriteQueueDepth
	if depth <= 0 {
		depth = 64
	}
	s := &Service{
		media: mediaRepo, jobs: jobs, artifacts: artifacts, models: models, inference: inference,
		library: library, settings: settingsRepo, bus: bus, uploads: uploads, worker: worker,
		cacheWriteCh: make(chan pendingCacheWrite, depth),
	}
	go s.drainCacheWrites(ctx)
	return s
}

// UploadResult is what Upload/ImportExternal return.
type UploadResult struct {
	MediaID uuid.UUID
	JobID   uuid.UUID
}

// Upload stores an inbound file, creates its Media record, and enqueues
// processing (§4.8 `upload`).
func (s *Service) Upload(ctx context.Context, r io.Reader, filename, mimeType string, size int64) (*UploadResult, error) {
	kind := media.KindPhoto
	if isVideoMime(mimeType) {
		kind = media.KindVideo
	}

	id := uuid.New()
	key := fmt.Sprintf("%s_%s", id.String(), sanitizeFilename(filename))
	if err := s.uploads.Put(ctx, key, r, mimeType); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "upload: store source file", err)
	}

	m := &media.Entity{
		ID:               id,
		OriginalFilename: filename,
		MimeType:         mimeType,
		Kind:             kind,
		ByteSize:         size,
		CreatedAt:        time.Now(),
	}
	m.FilePath.String, m.FilePath.Valid = key, true

	if err := s.media.Create(ctx, m); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "upload: create media", err)
	}

	jobID, err := s.jobs.Enqueue(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	s.publishQueueUpdate(ctx)
	return &UploadResult{MediaID: id, JobID: jobID}, nil
}

// ImportExternal idempotently mirrors an externally referenced asset and
// enqueues it (§4.8 `import_external`): a second call with the same
// external id returns the existing media rather than creating a
// duplicate. When that media already has an active or completed job,
// Enqueue rejects the call and the returned JobID is uuid.Nil, not the
// existing job's id.
func (s *Service) ImportExternal(ctx context.Context, externalID string) (*UploadResult, error) {
	existing, err := s.media.GetByExternalID(ctx, externalID)
	if err != nil && !errors.Is(err, media.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindInternal, "import_external: media lookup", err)
	}

	var m *media.Entity
	if existing != nil {
		m = existing
	} else {
		info, err := s.library.Info(ctx, externalID)
		if err != nil {
			return nil, err
		}
		kind := media.KindPhoto
		if isVideoMime(info.MimeType) {
			kind = media.KindVideo
		}
		m = &media.Entity{
			ID:               uuid.New(),
			OriginalFilename: info.Filename,
			MimeType:         info.MimeType,
			Kind:             kind,
			ByteSize:         info.Size,
			CreatedAt:        time.Now(),
		}
		m.ExternalID.String, m.ExternalID.Valid = externalID, true
		m.ExternalURI.String, m.ExternalURI.Valid = externalID, true
		if info.Width > 0 {
			m.Width.Int32, m.Width.Valid = int32(info.Width), true
		}
		if info.Height > 0 {
			m.Height.Int32, m.Height.Valid = int32(info.Height), true
		}
		if info.CapturedAt != nil {
			m.CapturedAt.Time, m.CapturedAt.Valid = *info.CapturedAt, true
		}
		if err := s.media.Create(ctx, m); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "import_external: create media", err)
		}
	}

	jobID, err := s.jobs.Enqueue(ctx, m.ID, 0)
	if err != nil && apperr.Of(err) != apperr.KindAlreadyQueued && apperr.Of(err) != apperr.KindAlreadyProcessed {
		return nil, err
	}
	s.publishQueueUpdate(ctx)
	return &UploadResult{MediaID: m.ID, JobID: jobID}, nil
}

// Enqueue re-queues an existing media item (§4.8 `enqueue`).
func (s *Service) Enqueue(ctx context.Context, mediaID uuid.UUID, maxAttempts int) (uuid.UUID, error) {
	jobID, err := s.jobs.Enqueue(ctx, mediaID, maxAttempts)
	if err != nil {
		return uuid.Nil, err
	}
	s.publishQueueUpdate(ctx)
	return jobID, nil
}

// Cancel cancels a still-queued job (§4.8 `cancel`).
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := s.jobs.Cancel(ctx, jobID); err != nil {
		return err
	}
	s.publishQueueUpdate(ctx)
	return nil
}

// Retry revives a failed job (§4.8 `retry`).
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID) error {
	if err := s.jobs.RetryFailed(ctx, jobID); err != nil {
		return err
	}
	s.publishQueueUpdate(ctx)
	return nil
}

// WorkerStart/WorkerStop/WorkerStatus implement §4.8's worker control ops.
func (s *Service) WorkerStart(ctx context.Context) {
	if s.worker.StartFunc != nil {
		s.worker.StartFunc()
	}
}

func (s *Service) WorkerStop(ctx context.Context) {
	if s.worker.StopFunc != nil {
		s.worker.StopFunc()
	}
}

func (s *Service) WorkerStatus(ctx context.Context) bool {
	if s.worker.Worker == nil {
		return false
	}
	return s.worker.Worker.IsRunning()
}

// Subscribe registers a new realtime listener (§4.8 `subscribe`). The
// caller is responsible for unsubscribing via Unsubscribe when the
// connection closes.
func (s *Service) Subscribe(ctx context.Context) *events.Subscriber {
	sub := s.bus.Subscribe(ctx)
	snap := s.models.Snapshot(ctx)
	status := "unloaded"
	var loadedAt *time.Time
	if snap.Loaded {
		status = "loaded"
		loadedAt = &snap.LoadedAt
	}
	s.bus.SendSnapshot(sub, status, snap.CurrentModelKey, loadedAt)
	return sub
}

// Unsubscribe tears down a realtime listener.
func (s *Service) Unsubscribe(id uuid.UUID) {
	s.bus.Unsubscribe(id)
}

// PreferencesInput is the `set_preferences` request body.
type PreferencesInput struct {
	DefaultModelKey    string `json:"default_model" validate:"omitempty,model_key"`
	AutoGenerateOnView bool   `json:"auto_generate_on_view"`
}

// SetPreferences persists the user preferences singleton (§4.8
// `set_preferences`).
func (s *Service) SetPreferences(ctx context.Context, in PreferencesInput) error {
	e := &settings.Entity{
		UserID:             settings.GlobalUserID,
		AutoGenerateOnView: in.AutoGenerateOnView,
	}
	if in.DefaultModelKey != "" {
		e.DefaultModelKey.String, e.DefaultModelKey.Valid = in.DefaultModelKey, true
	}
	if err := s.settings.Upsert(ctx, e); err != nil {
		return apperr.Wrap(apperr.KindInternal, "set_preferences", err)
	}
	return nil
}

// GenerateResult is what GenerateOnDemand returns: the bytes plus whether
// they came from cache (the caller surfaces this as a `cache: hit|miss`
// response header per §4.9).
type GenerateResult struct {
	Data   []byte
	Cached bool
	Format string
}

// GenerateOnDemand implements §4.9's synchronous interaction pattern:
// cache lookup, then on miss fetch-load-infer-stream, with the Artifact
// Store write happening asynchronously after the response is already on
// its way back to the caller.
func (s *Service) GenerateOnDemand(ctx context.Context, mediaIDOrExternal string, kind artifact.Kind, modelKey string) (*GenerateResult, error) {
	m, err := s.resolveMedia(ctx, mediaIDOrExternal)
	if err != nil {
		return nil, err
	}

	format := formatFor(kind)
	if existing, err := s.artifacts.Lookup(ctx, m.ID, kind, modelKey, format); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generate_on_demand: lookup", err)
	} else if existing != nil {
		data, err := s.artifacts.Read(ctx, existing)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "generate_on_demand: read cached", err)
		}
		return &GenerateResult{Data: data, Cached: true, Format: format}, nil
	}

	sourceBytes, err := s.fetchSourceBytes(ctx, m, mediaIDOrExternal)
	if err != nil {
		return nil, err
	}

	if err := s.models.EnsureLoaded(ctx, modelKey, model.TriggerManual, ""); err != nil {
		return nil, err
	}

	var result []byte
	switch kind {
	case artifact.KindSplat:
		result, err = s.inference.ProcessSplat(ctx, sourceBytes, modelKey)
	default:
		result, err = s.inference.ProcessDepth(ctx, sourceBytes, modelKey)
	}
	if err != nil {
		return nil, err
	}

	s.models.RegisterActivity(ctx, model.TriggerManual)

	s.enqueueCacheWrite(pendingCacheWrite{
		mediaID: m.ID, kind: kind, modelKey: modelKey, format: format, data: result,
	})

	return &GenerateResult{Data: result, Cached: false, Format: format}, nil
}

// resolveMedia accepts either a media UUID or an external id, per §4.8's
// `media_id_or_external` parameter, creating a minimal Media stub for a
// not-yet-imported external asset (§4.9 step 6).
func (s *Service) resolveMedia(ctx context.Context, idOrExternal string) (*media.Entity, error) {
	if id, err := uuid.Parse(idOrExternal); err == nil {
		m, err := s.media.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, media.ErrNotFound) {
				return nil, apperr.New(apperr.KindNotFound, "media not found")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "resolve media", err)
		}
		return m, nil
	}

	m, err := s.media.GetByExternalID(ctx, idOrExternal)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, media.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindInternal, "resolve media", err)
	}

	// Not yet imported: create a minimal stub per §4.9 step 6
	// (source_type = "external", minimal metadata).
	stub := &media.Entity{
		ID:               uuid.New(),
		OriginalFilename: idOrExternal,
		MimeType:         "image/jpeg",
		Kind:             media.KindPhoto,
		CreatedAt:        time.Now(),
	}
	stub.ExternalID.String, stub.ExternalID.Valid = idOrExternal, true
	stub.ExternalURI.String, stub.ExternalURI.Valid = idOrExternal, true
	if err := s.media.Create(ctx, stub); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "resolve media: create stub", err)
	}
	return stub, nil
}

func (s *Service) fetchSourceBytes(ctx context.Context, m *media.Entity, externalHint string) ([]byte, error) {
	if m.ExternalID.Valid {
		data, err := s.library.Thumbnail(ctx, m.ExternalID.String, medialibrary.ThumbnailOptions{Format: "JPEG", Size: "thumbnail"})
		if err == nil {
			return data, nil
		}
		if apperr.Of(err) != apperr.KindNotFound {
			return nil, err
		}
		return s.library.Original(ctx, m.ExternalID.String)
	}
	if !m.FilePath.Valid {
		return nil, apperr.New(apperr.KindInvalidInput, "media has no source file")
	}
	rc, err := s.uploads.Get(ctx, m.FilePath.String)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch source bytes", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch source bytes", err)
	}
	return buf.Bytes(), nil
}

// enqueueCacheWrite submits the fire-and-forget Artifact Store upsert.
// Full per §4.9's bounded-queue side channel: the write is dropped and
// logged rather than blocking the already-answered caller.
func (s *Service) enqueueCacheWrite(w pendingCacheWrite) {
	select {
	case s.cacheWriteCh <- w:
	default:
		log.Warn().Str("media_id", w.mediaID.String()).Msg("on-demand cache write queue full, dropping")
	}
}

func (s *Service) drainCacheWrites(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.cacheWriteCh:
			s.writeCacheEntry(ctx, w)
		}
	}
}

func (s *Service) writeCacheEntry(ctx context.Context, w pendingCacheWrite) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = ctx
	if _, err := s.artifacts.Put(writeCtx, w.mediaID, w.kind, w.modelKey, w.format, w.data, w.width, w.height, nil); err != nil {
		log.Error().Err(err).Str("media_id", w.mediaID.String()).Msg("on-demand cache write failed")
	}
}

func (s *Service) publishQueueUpdate(ctx context.Context) {
	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return
	}
	s.bus.PublishQueueUpdate(events.QueueUpdatePayload{
		Length:     stats.Queued,
		Processing: stats.Processing,
	})
}

func isVideoMime(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "video/"
}

func formatFor(kind artifact.Kind) string {
	if kind == artifact.KindSplat {
		return "ply"
	}
	return "png"
}

func sanitizeFilename(name string) string {
	var b bytes.Buffer
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
