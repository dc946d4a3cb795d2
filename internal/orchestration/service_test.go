package orchestration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/artifact"
	"github.com/mwork/depth-orchestrator/internal/domain/job"
	"github.com/mwork/depth-orchestrator/internal/domain/media"
	"github.com/mwork/depth-orchestrator/internal/domain/model"
	"github.com/mwork/depth-orchestrator/internal/domain/settings"
	"github.com/mwork/depth-orchestrator/internal/events"
	"github.com/mwork/depth-orchestrator/internal/pkg/storage"
)

type fakeMediaRepo struct {
	byID map[uuid.UUID]*media.Entity
}

func (f *fakeMediaRepo) Create(_ context.Context, m *media.Entity) error {
	f.byID[m.ID] = m
	return nil
}
func (f *fakeMediaRepo) GetByID(_ context.Context, id uuid.UUID) (*media.Entity, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, media.ErrNotFound
	}
	return m, nil
}
func (f *fakeMediaRepo) GetByExternalID(_ context.Context, externalID string) (*media.Entity, error) {
	for _, m := range f.byID {
		if m.ExternalID.Valid && m.ExternalID.String == externalID {
			return m, nil
		}
	}
	return nil, media.ErrNotFound
}
func (f *fakeMediaRepo) UpdateDimensions(_ context.Context, id uuid.UUID, w, h int32) error {
	return nil
}
func (f *fakeMediaRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.byID, id)
	return nil
}

type fakeJobRepo struct {
	jobs map[uuid.UUID]*job.Entity
}

func (f *fakeJobRepo) Insert(_ context.Context, j *job.Entity) error {
	f.jobs[j.ID] = j
	return nil
}
func (f *fakeJobRepo) ActiveByMedia(_ context.Context, mediaID uuid.UUID) (*job.Entity, error) {
	for _, j := range f.jobs {
		if j.MediaID == mediaID && !j.Status.IsTerminal() {
			return j, nil
		}
	}
	return nil, job.ErrNotFound
}
func (f *fakeJobRepo) LatestByMedia(_ context.Context, mediaID uuid.UUID) (*job.Entity, error) {
	for _, j := range f.jobs {
		if j.MediaID == mediaID {
			return j, nil
		}
	}
	return nil, job.ErrNotFound
}
func (f *fakeJobRepo) ClaimNext(_ context.Context) (*job.Entity, error) { return nil, job.ErrNotFound }
func (f *fakeJobRepo) MarkCompleted(_ context.Context, jobID uuid.UUID, durationMs int64) error {
	return nil
}
func (f *fakeJobRepo) MarkFailed(_ context.Context, jobID uuid.UUID, errMessage string, retryable bool) (job.MarkFailedResult, error) {
	return job.MarkFailedResult{}, nil
}
func (f *fakeJobRepo) Cancel(_ context.Context, jobID uuid.UUID) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	j.Status = job.StatusCancelled
	return nil
}
func (f *fakeJobRepo) RetryFailed(_ context.Context, jobID uuid.UUID) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	j.Status = job.StatusQueued
	return nil
}
func (f *fakeJobRepo) ReviveCancelled(_ context.Context, jobID uuid.UUID, priority, maxAttempts int) error {
	return nil
}
func (f *fakeJobRepo) ReviveFailed(_ context.Context, jobID uuid.UUID, priority, maxAttempts int) error {
	return nil
}
func (f *fakeJobRepo) Get(_ context.Context, jobID uuid.UUID) (*job.Entity, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobRepo) List(_ context.Context, _ job.Filter) ([]*job.Entity, error) { return nil, nil }
func (f *fakeJobRepo) Stats(_ context.Context) (job.Stats, error) {
	var s job.Stats
	for _, j := range f.jobs {
		if j.Status == job.StatusQueued {
			s.Queued++
		}
	}
	return s, nil
}

type fakeArtifactRepo struct {
	byID map[uuid.UUID]*artifact.Entity
}

func (f *fakeArtifactRepo) Upsert(_ context.Context, e *artifact.Entity) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	f.byID[e.ID] = &cp
	return nil
}
func (f *fakeArtifactRepo) Get(_ context.Context, mediaID uuid.UUID, kind artifact.Kind, modelKey, format string) (*artifact.Entity, error) {
	for _, e := range f.byID {
		if e.MediaID == mediaID && e.AssetKind == kind && e.ModelKey.String == modelKey && e.Format == format {
			return e, nil
		}
	}
	return nil, artifact.ErrNotFound
}
func (f *fakeArtifactRepo) GetByID(_ context.Context, id uuid.UUID) (*artifact.Entity, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return e, nil
}
func (f *fakeArtifactRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.byID, id)
	return nil
}
func (f *fakeArtifactRepo) ListByMedia(_ context.Context, mediaID uuid.UUID) ([]*artifact.Entity, error) {
	return nil, nil
}

type fakeSettingsRepo struct {
	saved *settings.Entity
}

func (f *fakeSettingsRepo) Get(_ context.Context, _ uuid.UUID) (*settings.Entity, error) {
	if f.saved == nil {
		return nil, settings.ErrNotFound
	}
	return f.saved, nil
}
func (f *fakeSettingsRepo) Upsert(_ context.Context, e *settings.Entity) error {
	f.saved = e
	return nil
}

type fakeModelManager struct{}

func (fakeModelManager) EnsureLoaded(_ context.Context, _ string, _ model.Trigger, _ string) error {
	return nil
}
func (fakeModelManager) RegisterActivity(_ context.Context, _ model.Trigger) {}
func (fakeModelManager) Unload(_ context.Context, _ string) error            { return nil }
func (fakeModelManager) Snapshot(_ context.Context) model.Snapshot           { return model.Snapshot{} }

type fakeInference struct{}

func (fakeInference) ProcessDepth(_ context.Context, _ []byte, _ string) ([]byte, error) {
	return []byte("depth-bytes"), nil
}
func (fakeInference) ProcessSplat(_ context.Context, _ []byte, _ string) ([]byte, error) {
	return []byte("splat-bytes"), nil
}

func newTestService(t *testing.T) (*Service, *fakeMediaRepo, *fakeJobRepo, context.CancelFunc) {
	t.Helper()
	mediaRepo := &fakeMediaRepo{byID: map[uuid.UUID]*media.Entity{}}
	jobRepo := &fakeJobRepo{jobs: map[uuid.UUID]*job.Entity{}}
	q := job.NewQueue(jobRepo, mediaRepo)

	backend, err := storage.NewLocalStorage(t.TempDir(), "/files/artifacts")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	uploads, err := storage.NewLocalStorage(t.TempDir(), "/files/uploads")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	store := artifact.NewStore(&fakeArtifactRepo{byID: map[uuid.UUID]*artifact.Entity{}}, backend)

	ctx, cancel := context.WithCancel(context.Background())
	hub := events.NewHub(nil)
	go hub.Run(ctx)

	svc := New(ctx, mediaRepo, q, store, fakeModelManager{}, fakeInference{}, nil, &fakeSettingsRepo{}, hub, uploads, WorkerController{}, Config{})
	return svc, mediaRepo, jobRepo, cancel
}

func TestUpload_CreatesMediaAndEnqueuesJob(t *testing.T) {
	svc, mediaRepo, jobRepo, cancel := newTestService(t)
	defer cancel()

	result, err := svc.Upload(context.Background(), strings.NewReader("file bytes"), "photo.jpg", "image/jpeg", 11)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	m, ok := mediaRepo.byID[result.MediaID]
	if !ok {
		t.Fatal("expected media record created")
	}
	if m.Kind != media.KindPhoto {
		t.Fatalf("expected photo kind, got %s", m.Kind)
	}
	j, ok := jobRepo.jobs[result.JobID]
	if !ok || j.Status != job.StatusQueued {
		t.Fatalf("expected queued job, got %+v (ok=%v)", j, ok)
	}
}

func TestUpload_ClassifiesVideoMimeType(t *testing.T) {
	svc, mediaRepo, _, cancel := newTestService(t)
	defer cancel()

	result, err := svc.Upload(context.Background(), strings.NewReader("clip"), "clip.mp4", "video/mp4", 4)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if mediaRepo.byID[result.MediaID].Kind != media.KindVideo {
		t.Fatalf("expected video kind, got %s", mediaRepo.byID[result.MediaID].Kind)
	}
}

func TestEnqueue_ReturnsJobID(t *testing.T) {
	svc, mediaRepo, _, cancel := newTestService(t)
	defer cancel()

	mediaID := uuid.New()
	mediaRepo.byID[mediaID] = &media.Entity{ID: mediaID, Kind: media.KindPhoto, CreatedAt: time.Now()}

	jobID, err := svc.Enqueue(context.Background(), mediaID, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if jobID == uuid.Nil {
		t.Fatal("expected a non-nil job id")
	}
}

func TestCancel_UnknownJobReturnsNotFound(t *testing.T) {
	svc, _, _, cancel := newTestService(t)
	defer cancel()

	err := svc.Cancel(context.Background(), uuid.New())
	if apperr.Of(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestSetPreferences_PersistsDefaultModelAndFlag(t *testing.T) {
	svc, _, _, cancel := newTestService(t)
	defer cancel()

	err := svc.SetPreferences(context.Background(), PreferencesInput{DefaultModelKey: "large", AutoGenerateOnView: true})
	if err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}
	saved, err := svc.settings.Get(context.Background(), settings.GlobalUserID)
	if err != nil {
		t.Fatalf("settings.Get: %v", err)
	}
	if !saved.DefaultModelKey.Valid || saved.DefaultModelKey.String != "large" || !saved.AutoGenerateOnView {
		t.Fatalf("expected default model %q and auto-generate flag persisted, got %+v", "large", saved)
	}
}

func TestGenerateOnDemand_UploadedMediaCacheMissThenHit(t *testing.T) {
	svc, mediaRepo, _, cancel := newTestService(t)
	defer cancel()

	mediaID := uuid.New()
	mediaRepo.byID[mediaID] = &media.Entity{ID: mediaID, Kind: media.KindPhoto, CreatedAt: time.Now(),
		MimeType: "image/jpeg"}
	mediaRepo.byID[mediaID].FilePath.String, mediaRepo.byID[mediaID].FilePath.Valid = "fake-key", true

	// Seed the upload backend with bytes at that key so fetchSourceBytes can
	// read them back.
	if err := svc.uploads.Put(context.Background(), "fake-key", strings.NewReader("source bytes"), "image/jpeg"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	miss, err := svc.GenerateOnDemand(context.Background(), mediaID.String(), artifact.KindDepth, "small")
	if err != nil {
		t.Fatalf("GenerateOnDemand (miss): %v", err)
	}
	if miss.Cached {
		t.Fatal("expected a cache miss on first call")
	}
	if string(miss.Data) != "depth-bytes" {
		t.Fatalf("unexpected generated bytes: %q", miss.Data)
	}

	// The cache write is asynchronous; give the drainer a beat to land it.
	deadline := time.Now().Add(time.Second)
	var hit *GenerateResult
	for time.Now().Before(deadline) {
		hit, err = svc.GenerateOnDemand(context.Background(), mediaID.String(), artifact.KindDepth, "small")
		if err != nil {
			t.Fatalf("GenerateOnDemand (hit): %v", err)
		}
		if hit.Cached {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hit == nil || !hit.Cached {
		t.Fatal("expected the second call to be served from cache")
	}
}

func TestIsVideoMime(t *testing.T) {
	if !isVideoMime("video/mp4") {
		t.Fatal("expected video/mp4 to classify as video")
	}
	if isVideoMime("image/jpeg") {
		t.Fatal("expected image/jpeg to not classify as video")
	}
}

func TestFormatFor(t *testing.T) {
	if formatFor(artifact.KindSplat) != "ply" {
		t.Fatal("expected splat format ply")
	}
	if formatFor(artifact.KindDepth) != "png" {
		t.Fatal("expected depth format png")
	}
}

func TestSanitizeFilename(t *testing.T) {
	got := sanitizeFilename("my photo (1).jpg")
	if strings.ContainsAny(got, " ()") {
		t.Fatalf("expected unsafe characters stripped, got %q", got)
	}
}
