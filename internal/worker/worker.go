// Package worker implements the Processing Worker (§4.5): a single-flight
// loop that drains the Job Queue, ensures the right model is resident,
// dispatches to the Inference Client, writes to the Artifact Store, and
// reports the outcome. Grounded directly on cmd/image-worker/main.go's
// ticker + Redis-wakeup + claim/process/mark loop and graceful shutdown via
// os/signal, generalized from single-variant image resize to the spec's
// thumbnail/full_resolution dual-variant depth pipeline.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/artifact"
	"github.com/mwork/depth-orchestrator/internal/domain/job"
	"github.com/mwork/depth-orchestrator/internal/domain/media"
	"github.com/mwork/depth-orchestrator/internal/domain/model"
	"github.com/mwork/depth-orchestrator/internal/domain/settings"
	"github.com/mwork/depth-orchestrator/internal/events"
	"github.com/mwork/depth-orchestrator/internal/pkg/imaging"
)

// WakeupChannel is the Redis channel a fresh enqueue publishes to, letting
// an idle worker poll immediately instead of waiting out the tick.
const WakeupChannel = "jobs:enqueued"

// InferenceClient is the narrow slice of internal/inference.Client the
// worker needs.
type InferenceClient interface {
	ProcessDepth(ctx context.Context, imageBytes []byte, modelKey string) ([]byte, error)
	ProcessSplat(ctx context.Context, imageBytes []byte, modelKey string) ([]byte, error)
}

// MediaSource supplies source bytes for a media item, whichever backend it
// actually lives on (local upload directory today; the media-library
// adapter for externally mirrored items).
type MediaSource interface {
	// ThumbnailBytes returns the thumbnail-resolution rendition, or
	// apperr.NotFound if the media item has none.
	ThumbnailBytes(ctx context.Context, m *media.Entity) ([]byte, error)
	// OriginalBytes returns the full-resolution rendition.
	OriginalBytes(ctx context.Context, m *media.Entity) ([]byte, error)
}

// ModelManager is the narrow slice of model.Manager the worker needs.
type ModelManager interface {
	EnsureLoaded(ctx context.Context, modelKey string, trigger model.Trigger, deviceHint string) error
	RegisterActivity(ctx context.Context, trigger model.Trigger)
}

// EventPublisher is the narrow slice of events.Hub the worker needs to
// report job progress.
type EventPublisher interface {
	PublishJobProgress(p events.JobProgressPayload)
	PublishJobComplete(p events.JobCompletePayload)
	PublishQueueUpdate(p events.QueueUpdatePayload)
}

// Config holds the worker's tunables (§6 env vars WORKER_TICK_MS,
// AUTO_START_WORKER's experimental-video gate is EXPERIMENTAL_VIDEO here).
type Config struct {
	Tick              time.Duration
	ExperimentalVideo bool
	DefaultModelKey   string // fallback when settings repo has nothing.
}

// Worker drains the Job Queue sequentially: exactly one job is in-flight at
// a time, per §4.5's single-flight discipline.
type Worker struct {
	queue     *job.Queue
	mediaRepo media.Repository
	source    MediaSource
	models    ModelManager
	inference InferenceClient
	store     *artifact.Store
	settings  settings.Repository
	events    EventPublisher
	cfg       Config
	processor *imaging.Processor

	running bool
}

// New builds a Worker.
func New(queue *job.Queue, mediaRepo media.Repository, source MediaSource, models ModelManager,
	inference InferenceClient, store *artifact.Store, settingsRepo settings.Repository,
	events EventPublisher, cfg Config) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.DefaultModelKey == "" {
		cfg.DefaultModelKey = settings.DefaultModelKeyFallback
	}
	return &Worker{
		queue: queue, mediaRepo: mediaRepo, source: source, models: models,
		inference: inference, store: store, settings: settingsRepo, events: events, cfg: cfg,
		processor: imaging.NewProcessor(imaging.DefaultConfig()),
	}
}

// Run drives the worker loop until ctx is cancelled. wake, if non-nil, lets
// an external caller (typically a Redis subscription) nudge the worker to
// poll immediately rather than wait for the next tick.
func (w *Worker) Run(ctx context.Context, wake <-chan struct{}) {
	w.running = true
	defer func() { w.running = false }()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker: stopped")
			return
		case <-wake:
		case <-ticker.C:
		}

		for w.processOnce(ctx) {
			// Drain every currently-queued job before going back to idle;
			// wake/tick only need to break us out of sleep, not gate each
			// claim.
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// IsRunning reports whether the worker loop is currently executing,
// consulted by the Orchestration API's worker_status operation.
func (w *Worker) IsRunning() bool {
	return w.running
}

// processOnce claims and fully processes at most one job, returning true if
// a job was claimed (regardless of outcome) so the caller can keep draining.
func (w *Worker) processOnce(ctx context.Context) bool {
	j, err := w.queue.ClaimNext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("worker: claim_next failed")
		return false
	}
	if j == nil {
		return false
	}

	w.processJob(ctx, j)
	return true
}

func (w *Worker) processJob(ctx context.Context, j *job.Entity) {
	start := time.Now()
	log.Info().Str("job_id", j.ID.String()).Str("media_id", j.MediaID.String()).Msg("worker: processing job")

	w.events.PublishJobProgress(events.JobProgressPayload{
		JobID: j.ID.String(), MediaID: j.MediaID.String(), Stage: "claimed", Progress: 0, Status: "processing",
	})

	m, err := w.mediaRepo.GetByID(ctx, j.MediaID)
	if err != nil {
		w.fail(ctx, j, fmt.Errorf("media lookup: %w", err), true)
		return
	}

	if m.IsVideo() && !w.cfg.ExperimentalVideo {
		w.fail(ctx, j, apperr.New(apperr.KindInvalidInput, "video processing disabled"), true)
		return
	}

	modelKey := settings.DefaultModelKey(ctx, w.settings)
	if modelKey == "" {
		modelKey = w.cfg.DefaultModelKey
	}

	if err := w.models.EnsureLoaded(ctx, modelKey, model.TriggerAuto, ""); err != nil {
		w.fail(ctx, j, fmt.Errorf("ensure model loaded: %w", err), true)
		return
	}

	results := w.processVariants(ctx, m, modelKey)

	w.models.RegisterActivity(ctx, model.TriggerAuto)

	succeeded := 0
	var errs []string
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", r.variant, r.err))
			continue
		}
		succeeded++
	}

	duration := time.Since(start)
	if succeeded > 0 {
		if err := w.queue.MarkCompleted(ctx, j.ID, duration); err != nil {
			log.Error().Err(err).Str("job_id", j.ID.String()).Msg("worker: mark_completed failed")
		}
		w.events.PublishJobComplete(events.JobCompletePayload{
			JobID: j.ID.String(), MediaID: j.MediaID.String(), Success: true,
			ArtifactKind: string(artifact.KindDepth), ModelKey: modelKey,
		})
		return
	}

	w.fail(ctx, j, fmt.Errorf("all variants failed: %s", strings.Join(errs, "; ")), anyRetryable(results))
}

// anyRetryable reports whether at least one failed variant's error should
// still count against the attempts/max_attempts retry budget. A 4xx
// RemoteError from the Inference Client is bad input, not a transient
// collaborator fault (§7), so if every failure is one of those the job must
// fail permanently on this first pass rather than wait out the attempts
// cap.
func anyRetryable(results []variantResult) bool {
	sawFailure := false
	for _, r := range results {
		if r.err == nil {
			continue
		}
		sawFailure = true
		if !isPermanentRemoteError(r.err) {
			return true
		}
	}
	return !sawFailure
}

func isPermanentRemoteError(err error) bool {
	var e *apperr.Error
	if !apperr.As(err, &e) {
		return false
	}
	return e.Kind == apperr.KindRemoteError && e.Status >= 400 && e.Status < 500
}

type variantResult struct {
	variant string
	err     error
}

// processVariants processes the thumbnail variant first, then the full
// resolution variant, per §4.5 step 5: each is independent and partial
// success is acceptable.
func (w *Worker) processVariants(ctx context.Context, m *media.Entity, modelKey string) []variantResult {
	results := make([]variantResult, 0, 2)

	if thumb, err := w.source.ThumbnailBytes(ctx, m); err == nil {
		results = append(results, variantResult{variant: "thumbnail", err: w.processOneVariant(ctx, m, modelKey, "thumbnail", thumb)})
	} else if apperr.Of(err) != apperr.KindNotFound {
		results = append(results, variantResult{variant: "thumbnail", err: err})
	}

	full, err := w.source.OriginalBytes(ctx, m)
	if err != nil {
		results = append(results, variantResult{variant: "full_resolution", err: err})
		return results
	}
	results = append(results, variantResult{variant: "full_resolution", err: w.processOneVariant(ctx, m, modelKey, "full_resolution", full)})
	return results
}

func (w *Worker) processOneVariant(ctx context.Context, m *media.Entity, modelKey, variant string, sourceBytes []byte) error {
	raw, err := w.inference.ProcessDepth(ctx, sourceBytes, modelKey)
	if err != nil {
		return fmt.Errorf("process_depth(%s): %w", variant, err)
	}

	encoded, probe, err := w.processor.ProcessDepthMap(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode depth result(%s): %w", variant, err)
	}

	metadata := []byte(fmt.Sprintf(`{"variant":%q}`, variant))
	if _, err := w.store.Put(ctx, m.ID, artifact.KindDepth, modelKey, "png", encoded, int32(probe.Width), int32(probe.Height), metadata); err != nil {
		return fmt.Errorf("artifact put(%s): %w", variant, err)
	}
	return nil
}

// fail marks j failed, counting it against the attempts/max_attempts budget
// only when retryable is true. A non-retryable cause (bad input the
// collaborator will reject again identically) moves the job straight to
// failed regardless of how many attempts remain (§7).
func (w *Worker) fail(ctx context.Context, j *job.Entity, cause error, retryable bool) {
	log.Warn().Err(cause).Str("job_id", j.ID.String()).Msg("worker: job failed")
	result, err := w.queue.MarkFailed(ctx, j.ID, cause.Error(), retryable)
	if err != nil {
		log.Error().Err(err).Str("job_id", j.ID.String()).Msg("worker: mark_failed failed")
	}
	w.events.PublishJobComplete(events.JobCompletePayload{
		JobID: j.ID.String(), MediaID: j.MediaID.String(), Success: false,
	})
	_ = result
}

// SubscribeWakeups listens on Redis for fresh-enqueue notifications and
// forwards a non-blocking nudge to wake, grounded on cmd/image-worker's
// subscribeWakeups. redisClient may be nil (Redis optional), in which case
// the worker just relies on its tick.
func SubscribeWakeups(ctx context.Context, redisClient *redis.Client, wake chan<- struct{}) {
	if redisClient == nil {
		return
	}
	sub := redisClient.Subscribe(ctx, WakeupChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// PublishWakeup notifies any subscribed worker that a job was just
// enqueued, so it doesn't have to wait for the next tick. Best-effort: a
// nil client or a publish error is not fatal, the tick will still find it.
func PublishWakeup(ctx context.Context, redisClient *redis.Client) {
	if redisClient == nil {
		return
	}
	if err := redisClient.Publish(ctx, WakeupChannel, "1").Err(); err != nil {
		log.Warn().Err(err).Msg("worker: wakeup publish failed, relying on tick")
	}
}

// RunGraceful runs Run until an OS signal (SIGINT/SIGTERM) is received,
// grounded on cmd/image-worker's os/signal shutdown wiring. Called from
// cmd/image-worker's main.
func (w *Worker) RunGraceful(ctx context.Context, redisClient *redis.Client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info().Msg("worker: shutdown signal received")
		cancel()
	}()

	wake := make(chan struct{}, 1)
	go SubscribeWakeups(ctx, redisClient, wake)

	w.Run(ctx, wake)
}
