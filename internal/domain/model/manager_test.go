package model

import (
	"context"
	"testing"
	"time"

	"github.com/mwork/depth-orchestrator/internal/apperr"
)

type fakeCatalog struct {
	entries map[string]*Entity
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{entries: map[string]*Entity{
		"small": {ModelKey: "small", DownloadStatus: DownloadDownloaded},
		"large": {ModelKey: "large", DownloadStatus: DownloadNotDownloaded},
	}}
}

func (f *fakeCatalog) Get(_ context.Context, modelKey string) (*Entity, error) {
	e, ok := f.entries[modelKey]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (f *fakeCatalog) List(_ context.Context) ([]*Entity, error) {
	out := make([]*Entity, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeCatalog) SetDownloadStatus(_ context.Context, modelKey string, status DownloadStatus, progress int) error {
	e, ok := f.entries[modelKey]
	if !ok {
		return ErrNotFound
	}
	e.DownloadStatus = status
	e.DownloadProgress = progress
	return nil
}

func (f *fakeCatalog) MarkDownloaded(_ context.Context, modelKey string, byteSize int64) error {
	e, ok := f.entries[modelKey]
	if !ok {
		return ErrNotFound
	}
	e.DownloadStatus = DownloadDownloaded
	e.DownloadProgress = 100
	e.ByteSize.Int64 = byteSize
	e.ByteSize.Valid = true
	return nil
}

type fakeInference struct {
	loadCount   int
	unloadCount int
	loadErr     error
	unloadErr   error
	lastLoaded  string
}

func (f *fakeInference) Load(_ context.Context, modelKey, _ string) error {
	f.loadCount++
	if f.loadErr != nil {
		return f.loadErr
	}
	f.lastLoaded = modelKey
	return nil
}

func (f *fakeInference) Unload(_ context.Context, _ string) error {
	f.unloadCount++
	return f.unloadErr
}

func (f *fakeInference) Download(_ context.Context, modelKey string, onProgress func(int)) error {
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

func (f *fakeInference) ListModels(_ context.Context) ([]RemoteModelStatus, error) {
	return nil, nil
}

type fakePublisher struct {
	statusEvents int
	errorEvents  int
}

func (f *fakePublisher) PublishModelStatus(status, modelKey string, loadedAt *time.Time) {
	f.statusEvents++
}
func (f *fakePublisher) PublishDownloadProgress(modelKey string, progress int, bytes int64) {}
func (f *fakePublisher) PublishModelError(modelKey, message string)                         { f.errorEvents++ }

func startManager(t *testing.T, timeouts Timeouts) (*Manager, *fakeInference, *fakePublisher, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	inf := &fakeInference{}
	pub := &fakePublisher{}
	m := NewManager(newFakeCatalog(), inf, pub, timeouts)
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m, inf, pub, cancel
}

func TestEnsureLoaded_LoadsOnFirstCall(t *testing.T) {
	m, inf, pub, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	if err := m.EnsureLoaded(ctx, "small", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if inf.loadCount != 1 {
		t.Fatalf("expected 1 load call, got %d", inf.loadCount)
	}
	if pub.statusEvents == 0 {
		t.Fatal("expected a model:status event to be published")
	}

	snap := m.Snapshot(ctx)
	if !snap.Loaded || snap.CurrentModelKey != "small" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEnsureLoaded_SameModelIsNoop(t *testing.T) {
	m, inf, _, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	if err := m.EnsureLoaded(ctx, "small", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if err := m.EnsureLoaded(ctx, "small", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded (second): %v", err)
	}
	if inf.loadCount != 1 {
		t.Fatalf("expected load to be called once, got %d", inf.loadCount)
	}
}

func TestEnsureLoaded_RejectsNotDownloaded(t *testing.T) {
	m, _, _, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	err := m.EnsureLoaded(ctx, "large", TriggerAuto, "")
	if apperr.Of(err) != apperr.KindNotDownloaded {
		t.Fatalf("expected KindNotDownloaded, got %v", err)
	}
}

func TestEnsureLoaded_UnknownModel(t *testing.T) {
	m, _, _, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	err := m.EnsureLoaded(ctx, "nonexistent", TriggerAuto, "")
	if apperr.Of(err) != apperr.KindNotDownloaded {
		t.Fatalf("expected KindNotDownloaded for unknown model, got %v", err)
	}
}

func TestIdleTimer_UnloadsAfterTimeout(t *testing.T) {
	m, inf, _, _ := startManager(t, Timeouts{Auto: 30 * time.Millisecond, Manual: time.Hour})
	ctx := context.Background()

	if err := m.EnsureLoaded(ctx, "small", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inf.unloadCount > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if inf.unloadCount != 1 {
		t.Fatalf("expected idle timer to fire exactly once, got %d unloads", inf.unloadCount)
	}

	snap := m.Snapshot(ctx)
	if snap.Loaded {
		t.Fatal("expected model to be unloaded after idle timeout")
	}
}

func TestRegisterActivity_ResetsTimerGeneration(t *testing.T) {
	m, inf, _, _ := startManager(t, Timeouts{Auto: 60 * time.Millisecond, Manual: time.Hour})
	ctx := context.Background()

	if err := m.EnsureLoaded(ctx, "small", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}

	// Keep nudging activity faster than the idle window elapses; the old
	// timer's fire should be superseded by the generation counter rather
	// than triggering an unload.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		m.RegisterActivity(ctx, TriggerAuto)
	}

	if inf.unloadCount != 0 {
		t.Fatalf("expected no unload while activity kept resetting the timer, got %d", inf.unloadCount)
	}

	snap := m.Snapshot(ctx)
	if !snap.Loaded {
		t.Fatal("expected model to remain loaded")
	}
}

func TestUnload_ClearsResidentState(t *testing.T) {
	m, inf, _, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	if err := m.EnsureLoaded(ctx, "small", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if err := m.Unload(ctx, ""); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if inf.unloadCount != 1 {
		t.Fatalf("expected 1 unload call, got %d", inf.unloadCount)
	}
	snap := m.Snapshot(ctx)
	if snap.Loaded || snap.CurrentModelKey != "" {
		t.Fatalf("expected cleared state after unload, got %+v", snap)
	}
}

func TestUnload_NoResidentModelIsNoop(t *testing.T) {
	m, inf, _, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	if err := m.Unload(ctx, ""); err != nil {
		t.Fatalf("Unload with nothing resident: %v", err)
	}
	if inf.unloadCount != 0 {
		t.Fatalf("expected no inference call when nothing is resident, got %d", inf.unloadCount)
	}
}

func TestDownload_MarksCatalogDownloaded(t *testing.T) {
	m, _, _, _ := startManager(t, Timeouts{Auto: time.Hour, Manual: time.Hour})
	ctx := context.Background()

	if err := m.Download(ctx, "large"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := m.EnsureLoaded(ctx, "large", TriggerAuto, ""); err != nil {
		t.Fatalf("EnsureLoaded after download: %v", err)
	}
}
