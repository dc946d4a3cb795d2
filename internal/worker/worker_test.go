package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
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

// tinyPNG returns a minimal, genuinely decodable 2x2 PNG, standing in for
// the bytes an inference service would hand back for a depth map.
func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// --- fake media.Repository ---

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

// --- fake job.Repository (mirrors internal/domain/job's own test fake) ---

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
func (f *fakeJobRepo) ClaimNext(_ context.Context) (*job.Entity, error) {
	var best *job.Entity
	for _, j := range f.jobs {
		if j.Status != job.StatusQueued {
			continue
		}
		if best == nil || j.Priority < best.Priority {
			best = j
		}
	}
	if best == nil {
		return nil, job.ErrNotFound
	}
	best.Status = job.StatusProcessing
	best.Attempts++
	return best, nil
}
func (f *fakeJobRepo) MarkCompleted(_ context.Context, jobID uuid.UUID, durationMs int64) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	j.Status = job.StatusCompleted
	return nil
}
func (f *fakeJobRepo) MarkFailed(_ context.Context, jobID uuid.UUID, errMessage string, retryable bool) (job.MarkFailedResult, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.MarkFailedResult{}, job.ErrNotFound
	}
	retry := retryable && j.Attempts < j.MaxAttempts
	if retry {
		j.Status = job.StatusQueued
	} else {
		j.Status = job.StatusFailed
	}
	j.LastError.String = errMessage
	j.LastError.Valid = true
	return job.MarkFailedResult{Retried: retry, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts}, nil
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
	j.Attempts = 0
	return nil
}
func (f *fakeJobRepo) ReviveCancelled(_ context.Context, jobID uuid.UUID, priority, maxAttempts int) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	j.Status = job.StatusQueued
	j.Attempts = 0
	j.Priority = priority
	j.MaxAttempts = maxAttempts
	return nil
}
func (f *fakeJobRepo) ReviveFailed(_ context.Context, jobID uuid.UUID, priority, maxAttempts int) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	j.Status = job.StatusQueued
	j.Attempts = 0
	j.Priority = priority
	j.MaxAttempts = maxAttempts
	return nil
}
func (f *fakeJobRepo) Get(_ context.Context, jobID uuid.UUID) (*job.Entity, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobRepo) List(_ context.Context, _ job.Filter) ([]*job.Entity, error) {
	out := make([]*job.Entity, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeJobRepo) Stats(_ context.Context) (job.Stats, error) {
	return job.Stats{}, nil
}

// --- fake artifact.Repository ---

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
	var out []*artifact.Entity
	for _, e := range f.byID {
		if e.MediaID == mediaID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- fake settings.Repository ---

type fakeSettingsRepo struct{}

func (fakeSettingsRepo) Get(_ context.Context, _ uuid.UUID) (*settings.Entity, error) {
	return nil, settings.ErrNotFound
}
func (fakeSettingsRepo) Upsert(_ context.Context, _ *settings.Entity) error { return nil }

// --- fake MediaSource / InferenceClient / ModelManager / EventPublisher ---

type fakeSource struct {
	thumb    []byte
	thumbErr error
	full     []byte
	fullErr  error
}

func (f *fakeSource) ThumbnailBytes(_ context.Context, _ *media.Entity) ([]byte, error) {
	if f.thumbErr != nil {
		return nil, f.thumbErr
	}
	return f.thumb, nil
}
func (f *fakeSource) OriginalBytes(_ context.Context, _ *media.Entity) ([]byte, error) {
	if f.fullErr != nil {
		return nil, f.fullErr
	}
	return f.full, nil
}

type fakeInference struct {
	depthBytes []byte
	depthErr   error
}

func (f *fakeInference) ProcessDepth(_ context.Context, _ []byte, _ string) ([]byte, error) {
	if f.depthErr != nil {
		return nil, f.depthErr
	}
	return f.depthBytes, nil
}
func (f *fakeInference) ProcessSplat(_ context.Context, _ []byte, _ string) ([]byte, error) {
	return nil, errors.New("not used in this test")
}

type fakeModelManager struct{}

func (fakeModelManager) EnsureLoaded(_ context.Context, _ string, _ model.Trigger, _ string) error {
	return nil
}
func (fakeModelManager) RegisterActivity(_ context.Context, _ model.Trigger) {}

type fakeEvents struct {
	progress []events.JobProgressPayload
	complete []events.JobCompletePayload
}

func (f *fakeEvents) PublishJobProgress(p events.JobProgressPayload) { f.progress = append(f.progress, p) }
func (f *fakeEvents) PublishJobComplete(p events.JobCompletePayload) { f.complete = append(f.complete, p) }
func (f *fakeEvents) PublishQueueUpdate(_ events.QueueUpdatePayload) {}

func newTestWorker(t *testing.T, inf *fakeInference, src *fakeSource) (*Worker, *fakeJobRepo, *fakeMediaRepo, *fakeEvents, uuid.UUID, *fakeArtifactRepo) {
	t.Helper()
	mediaRepo := &fakeMediaRepo{byID: map[uuid.UUID]*media.Entity{}}
	jobRepo := &fakeJobRepo{jobs: map[uuid.UUID]*job.Entity{}}
	q := job.NewQueue(jobRepo, mediaRepo)

	backend, err := storage.NewLocalStorage(t.TempDir(), "/files/artifacts")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	artifactRepo := &fakeArtifactRepo{byID: map[uuid.UUID]*artifact.Entity{}}
	store := artifact.NewStore(artifactRepo, backend)

	ev := &fakeEvents{}
	w := New(q, mediaRepo, src, fakeModelManager{}, inf, store, fakeSettingsRepo{}, ev, Config{Tick: time.Hour})

	mediaID := uuid.New()
	mediaRepo.byID[mediaID] = &media.Entity{ID: mediaID, Kind: media.KindPhoto, ByteSize: 1024, CreatedAt: time.Now()}

	return w, jobRepo, mediaRepo, ev, mediaID, artifactRepo
}

func TestProcessJob_BothVariantsSucceed(t *testing.T) {
	depthPNG := tinyPNG(t)
	inf := &fakeInference{depthBytes: depthPNG}
	src := &fakeSource{thumb: []byte("thumb-source"), full: []byte("full-source")}
	w, jobRepo, _, ev, mediaID, _ := newTestWorker(t, inf, src)

	j := &job.Entity{ID: uuid.New(), MediaID: mediaID, Status: job.StatusProcessing, MaxAttempts: 3}
	jobRepo.jobs[j.ID] = j

	w.processJob(context.Background(), j)

	if j.Status != job.StatusCompleted {
		t.Fatalf("expected job completed, got %s", j.Status)
	}
	if len(ev.complete) != 1 || !ev.complete[0].Success {
		t.Fatalf("expected one successful completion event, got %+v", ev.complete)
	}
}

func TestProcessJob_ThumbnailMissingStillCompletesOnFullResolution(t *testing.T) {
	depthPNG := tinyPNG(t)
	inf := &fakeInference{depthBytes: depthPNG}
	src := &fakeSource{thumbErr: apperr.New(apperr.KindNotFound, "no thumbnail"), full: []byte("full-source")}
	w, jobRepo, _, ev, mediaID, _ := newTestWorker(t, inf, src)

	j := &job.Entity{ID: uuid.New(), MediaID: mediaID, Status: job.StatusProcessing, MaxAttempts: 3}
	jobRepo.jobs[j.ID] = j

	w.processJob(context.Background(), j)

	if j.Status != job.StatusCompleted {
		t.Fatalf("expected job completed despite missing thumbnail, got %s", j.Status)
	}
	if len(ev.complete) != 1 || !ev.complete[0].Success {
		t.Fatalf("expected success event, got %+v", ev.complete)
	}
}

func TestProcessJob_BothVariantsFailMarksJobFailed(t *testing.T) {
	inf := &fakeInference{depthErr: apperr.New(apperr.KindUnreachable, "inference down")}
	src := &fakeSource{thumb: []byte("thumb-source"), full: []byte("full-source")}
	w, jobRepo, _, ev, mediaID, _ := newTestWorker(t, inf, src)

	j := &job.Entity{ID: uuid.New(), MediaID: mediaID, Status: job.StatusProcessing, Attempts: 3, MaxAttempts: 3}
	jobRepo.jobs[j.ID] = j

	w.processJob(context.Background(), j)

	if j.Status != job.StatusFailed {
		t.Fatalf("expected job failed, got %s", j.Status)
	}
	if len(ev.complete) != 1 || ev.complete[0].Success {
		t.Fatalf("expected a failure completion event, got %+v", ev.complete)
	}
}

func TestProcessJob_PermanentRemoteErrorFailsImmediatelyWithoutArtifact(t *testing.T) {
	inf := &fakeInference{depthErr: apperr.RemoteErrorf(400, "bad image")}
	src := &fakeSource{thumb: []byte("thumb-source"), full: []byte("full-source")}
	w, jobRepo, _, ev, mediaID, artifactRepo := newTestWorker(t, inf, src)

	j := &job.Entity{ID: uuid.New(), MediaID: mediaID, Status: job.StatusProcessing, Attempts: 1, MaxAttempts: 2}
	jobRepo.jobs[j.ID] = j

	w.processJob(context.Background(), j)

	if j.Status != job.StatusFailed {
		t.Fatalf("expected job failed immediately on a 4xx RemoteError, got %s", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("expected attempts to stay at 1 (this claim), not consume the rest of the budget, got %d", j.Attempts)
	}
	if !j.LastError.Valid || !strings.Contains(j.LastError.String, "400") {
		t.Fatalf("expected last_error to mention the 400 status, got %q", j.LastError.String)
	}
	if len(artifactRepo.byID) != 0 {
		t.Fatalf("expected no artifact row written on permanent failure, got %d", len(artifactRepo.byID))
	}
	if len(ev.complete) != 1 || ev.complete[0].Success {
		t.Fatalf("expected a failure completion event, got %+v", ev.complete)
	}
}

func TestProcessJob_VideoDisabledByDefault(t *testing.T) {
	inf := &fakeInference{depthBytes: tinyPNG(t)}
	src := &fakeSource{thumb: []byte("t"), full: []byte("f")}
	w, jobRepo, mediaRepo, _, mediaID, _ := newTestWorker(t, inf, src)
	mediaRepo.byID[mediaID].Kind = media.KindVideo

	j := &job.Entity{ID: uuid.New(), MediaID: mediaID, Status: job.StatusProcessing, Attempts: 3, MaxAttempts: 3}
	jobRepo.jobs[j.ID] = j

	w.processJob(context.Background(), j)

	if j.Status != job.StatusFailed {
		t.Fatalf("expected video job rejected when experimental video is disabled, got %s", j.Status)
	}
	if !j.LastError.Valid || j.LastError.String == "" {
		t.Fatal("expected a last_error message explaining the rejection")
	}
}

func TestProcessOneVariant_UndecodableInferenceOutputFails(t *testing.T) {
	inf := &fakeInference{depthBytes: []byte("not a real image")}
	src := &fakeSource{full: []byte("full-source")}
	w, _, _, _, mediaID, _ := newTestWorker(t, inf, src)

	m := &media.Entity{ID: mediaID, Kind: media.KindPhoto}
	err := w.processOneVariant(context.Background(), m, "small", "full_resolution", []byte("source"))
	if err == nil {
		t.Fatal("expected an error decoding undecodable inference output")
	}
}

func TestProcessOnce_EmptyQueueReturnsFalse(t *testing.T) {
	inf := &fakeInference{depthBytes: tinyPNG(t)}
	src := &fakeSource{thumb: []byte("t"), full: []byte("f")}
	w, _, _, _, _, _ := newTestWorker(t, inf, src)

	if w.processOnce(context.Background()) {
		t.Fatal("expected no job to be claimed from an empty queue")
	}
}
