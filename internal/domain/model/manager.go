package model

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwork/depth-orchestrator/internal/apperr"
)

// InferenceClient is the narrow slice of internal/inference.Client the
// Model Manager needs — small enough to fake in tests without depending on
// the HTTP client package.
type InferenceClient interface {
	Load(ctx context.Context, modelKey, deviceHint string) error
	Unload(ctx context.Context, modelKey string) error
	Download(ctx context.Context, modelKey string, onProgress func(progress int)) error
	ListModels(ctx context.Context) ([]RemoteModelStatus, error)
}

// RemoteModelStatus is what the inference service reports about a model's
// on-disk/loaded state, used to reconcile the catalog at boot.
type RemoteModelStatus struct {
	Key          string
	IsDownloaded bool
	IsLoaded     bool
}

// Publisher is the narrow slice of internal/events.Hub the Model Manager
// needs to emit model:status/model:download-progress/model:error.
type Publisher interface {
	PublishModelStatus(status, modelKey string, loadedAt *time.Time)
	PublishDownloadProgress(modelKey string, progress int, bytes int64)
	PublishModelError(modelKey, message string)
}

// Timeouts holds the configured idle-unload durations per trigger.
type Timeouts struct {
	Auto   time.Duration
	Manual time.Duration
}

func (t Timeouts) forTrigger(trigger Trigger) time.Duration {
	if trigger == TriggerManual {
		return t.Manual
	}
	return t.Auto
}

// Manager owns all Model Manager mutable state behind a single goroutine —
// the idiomatic-Go analogue of the teacher's chat.Hub actor loop — so "at
// most one resident model" is enforced by construction, not a mutex around
// ad hoc fields.
type Manager struct {
	catalog   Catalog
	inference InferenceClient
	publisher Publisher
	timeouts  Timeouts

	cmdCh  chan command
	fireCh chan int
}

// NewManager builds a Manager. Call Run in its own goroutine before issuing
// any command.
func NewManager(catalog Catalog, inference InferenceClient, publisher Publisher, timeouts Timeouts) *Manager {
	return &Manager{
		catalog:   catalog,
		inference: inference,
		publisher: publisher,
		timeouts:  timeouts,
		cmdCh:     make(chan command),
		fireCh:    make(chan int, 1),
	}
}

type command interface {
	apply(ctx context.Context, s *managerState)
}

// managerState is the private mutable state, touched only from Run's
// goroutine.
type managerState struct {
	m          *Manager
	state      RuntimeState
	loaded     bool
	generation int
	timer      *time.Timer
}

// Run drives the actor loop until ctx is cancelled. Every public method on
// Manager other than SyncWithService (which touches only the catalog) is a
// blocking round-trip through this loop, so state transitions are always
// serialized.
func (m *Manager) Run(ctx context.Context) {
	s := &managerState{m: m}
	for {
		select {
		case <-ctx.Done():
			if s.timer != nil {
				s.timer.Stop()
			}
			return
		case gen := <-m.fireCh:
			s.handleTimerFire(ctx, gen)
		case cmd := <-m.cmdCh:
			cmd.apply(ctx, s)
		}
	}
}

func (s *managerState) handleTimerFire(ctx context.Context, gen int) {
	if gen != s.generation || !s.loaded {
		return // superseded by a later register_activity/unload; ignore.
	}
	key := s.state.CurrentModelKey
	if err := s.m.inference.Unload(ctx, key); err != nil {
		log.Error().Err(err).Str("model_key", key).Msg("idle-timeout unload failed")
		s.m.publisher.PublishModelError(key, fmt.Sprintf("idle unload failed: %v", err))
		return
	}
	s.loaded = false
	s.state.CurrentModelKey = ""
	s.m.publisher.PublishModelStatus("unloaded", key, nil)
}

func (s *managerState) clearTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

func (s *managerState) scheduleTimer(trigger Trigger) {
	s.clearTimer()
	d := s.m.timeouts.forTrigger(trigger)
	gen := s.generation
	s.timer = time.AfterFunc(d, func() {
		select {
		case s.m.fireCh <- gen:
		default:
		}
	})
}

// --- public, blocking API -------------------------------------------------

type ensureLoadedCmd struct {
	modelKey   string
	trigger    Trigger
	deviceHint string
	resp       chan error
}

func (c *ensureLoadedCmd) apply(ctx context.Context, s *managerState) {
	entry, err := s.m.catalog.Get(ctx, c.modelKey)
	if err != nil {
		c.resp <- apperr.New(apperr.KindNotDownloaded, "unknown model "+c.modelKey)
		return
	}
	if entry.DownloadStatus != DownloadDownloaded {
		c.resp <- apperr.New(apperr.KindNotDownloaded, "model not downloaded: "+c.modelKey)
		return
	}

	if s.loaded && s.state.CurrentModelKey == c.modelKey && c.deviceHint == "" {
		s.registerActivity(c.trigger)
		c.resp <- nil
		return
	}

	if err := s.m.inference.Load(ctx, c.modelKey, c.deviceHint); err != nil {
		c.resp <- apperr.Wrap(apperr.KindUnreachable, "load model", err)
		return
	}

	now := time.Now()
	s.loaded = true
	s.state.CurrentModelKey = c.modelKey
	s.state.LoadedAt = now
	s.registerActivity(c.trigger)
	s.m.publisher.PublishModelStatus("loaded", c.modelKey, &now)
	c.resp <- nil
}

// EnsureLoaded validates the model is downloaded, loads it on the inference
// service if not already resident, and registers activity either way.
func (m *Manager) EnsureLoaded(ctx context.Context, modelKey string, trigger Trigger, deviceHint string) error {
	resp := make(chan error, 1)
	select {
	case m.cmdCh <- &ensureLoadedCmd{modelKey: modelKey, trigger: trigger, deviceHint: deviceHint, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type registerActivityCmd struct {
	trigger Trigger
	resp    chan struct{}
}

func (c *registerActivityCmd) apply(_ context.Context, s *managerState) {
	s.registerActivity(c.trigger)
	c.resp <- struct{}{}
}

func (s *managerState) registerActivity(trigger Trigger) {
	s.state.LastUsedAt = time.Now()
	s.state.LoadTrigger = trigger
	if s.loaded {
		s.scheduleTimer(trigger)
	}
}

// RegisterActivity resets the idle timer to fire after timeouts[trigger]
// measured from now, switching the active trigger if it differs.
func (m *Manager) RegisterActivity(ctx context.Context, trigger Trigger) {
	resp := make(chan struct{}, 1)
	select {
	case m.cmdCh <- &registerActivityCmd{trigger: trigger, resp: resp}:
		<-resp
	case <-ctx.Done():
	}
}

type unloadCmd struct {
	specificKey string
	resp        chan error
}

func (c *unloadCmd) apply(ctx context.Context, s *managerState) {
	key := c.specificKey
	if key == "" {
		key = s.state.CurrentModelKey
	}
	if key == "" {
		c.resp <- nil
		return
	}
	if err := s.m.inference.Unload(ctx, key); err != nil {
		c.resp <- apperr.Wrap(apperr.KindUnreachable, "unload model", err)
		return
	}
	if s.state.CurrentModelKey == key {
		s.clearTimer()
		s.loaded = false
		s.state.CurrentModelKey = ""
	}
	s.m.publisher.PublishModelStatus("unloaded", key, nil)
	c.resp <- nil
}

// Unload requests inference-side unload of specificKey (or the current
// resident model if empty), clearing local state only when the keys match —
// defensive against zombie state after a worker restart.
func (m *Manager) Unload(ctx context.Context, specificKey string) error {
	resp := make(chan error, 1)
	select {
	case m.cmdCh <- &unloadCmd{specificKey: specificKey, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type downloadCmd struct {
	modelKey string
	resp     chan error
}

func (c *downloadCmd) apply(ctx context.Context, s *managerState) {
	if err := s.m.catalog.SetDownloadStatus(ctx, c.modelKey, DownloadDownloading, 0); err != nil {
		c.resp <- apperr.Wrap(apperr.KindInternal, "set downloading", err)
		return
	}
	err := s.m.inference.Download(ctx, c.modelKey, func(progress int) {
		s.m.publisher.PublishDownloadProgress(c.modelKey, progress, 0)
		_ = s.m.catalog.SetDownloadStatus(ctx, c.modelKey, DownloadDownloading, progress)
	})
	if err != nil {
		s.m.publisher.PublishModelError(c.modelKey, "download failed: "+err.Error())
		c.resp <- apperr.Wrap(apperr.KindUnreachable, "download model", err)
		return
	}
	if err := s.m.catalog.MarkDownloaded(ctx, c.modelKey, 0); err != nil {
		c.resp <- apperr.Wrap(apperr.KindInternal, "mark downloaded", err)
		return
	}
	c.resp <- nil
}

// Download delegates to the inference client, emitting progress events,
// and marks the catalog entry downloaded on success.
func (m *Manager) Download(ctx context.Context, modelKey string) error {
	resp := make(chan error, 1)
	select {
	case m.cmdCh <- &downloadCmd{modelKey: modelKey, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type snapshotCmd struct {
	resp chan Snapshot
}

func (c *snapshotCmd) apply(_ context.Context, s *managerState) {
	c.resp <- Snapshot{
		CurrentModelKey: s.state.CurrentModelKey,
		Loaded:          s.loaded,
		LoadedAt:        s.state.LoadedAt,
		LastUsedAt:      s.state.LastUsedAt,
		LoadTrigger:     s.state.LoadTrigger,
	}
}

// Snapshot returns the manager's current runtime state, used for the
// synthetic model:status snapshot new subscribers receive on connect.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	resp := make(chan Snapshot, 1)
	select {
	case m.cmdCh <- &snapshotCmd{resp: resp}:
	case <-ctx.Done():
		return Snapshot{}
	}
	select {
	case snap := <-resp:
		return snap
	case <-ctx.Done():
		return Snapshot{}
	}
}

// SyncWithService reconciles the catalog's download_status against what the
// inference service actually has on disk, called once at boot. It touches
// only the catalog, not runtime state, so it bypasses the actor loop —
// runtime residency is independently re-learned the first time EnsureLoaded
// is called after a restart. Reachability failures are logged, not fatal.
func (m *Manager) SyncWithService(ctx context.Context) error {
	remote, err := m.inference.ListModels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("sync_with_service: inference unreachable, catalog left as-is")
		return nil
	}

	byKey := make(map[string]RemoteModelStatus, len(remote))
	for _, r := range remote {
		byKey[r.Key] = r
	}

	entries, err := m.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("sync with service: list catalog: %w", err)
	}

	for _, entry := range entries {
		r, known := byKey[entry.ModelKey]
		wantStatus := DownloadNotDownloaded
		if known && r.IsDownloaded {
			wantStatus = DownloadDownloaded
		}
		if entry.DownloadStatus == wantStatus {
			continue
		}
		progress := 0
		if wantStatus == DownloadDownloaded {
			progress = 100
		}
		if err := m.catalog.SetDownloadStatus(ctx, entry.ModelKey, wantStatus, progress); err != nil {
			log.Error().Err(err).Str("model_key", entry.ModelKey).Msg("sync_with_service: catalog update failed")
		}
	}
	return nil
}
