// Command image-worker runs the Processing Worker (§4.5) as its own
// deployable process, separate from the API server in cmd/api. Grounded on
// this file's own prior shape: a standalone binary polling Postgres with an
// optional Redis wakeup and graceful signal-driven shutdown, now driving
// internal/worker.Worker instead of a one-off thumbnail pipeline.
//
// The spec assumes a single Worker process (§4.5): running this binary
// alongside cmd/api's own optional auto-started worker would violate Model
// Manager's one-resident-model invariant, so deployments should pick
// exactly one of AUTO_START_WORKER=true in the API process or this binary,
// not both.
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mwork/depth-orchestrator/internal/config"
	"github.com/mwork/depth-orchestrator/internal/domain/artifact"
	"github.com/mwork/depth-orchestrator/internal/domain/job"
	"github.com/mwork/depth-orchestrator/internal/domain/media"
	"github.com/mwork/depth-orchestrator/internal/domain/model"
	"github.com/mwork/depth-orchestrator/internal/domain/settings"
	"github.com/mwork/depth-orchestrator/internal/events"
	"github.com/mwork/depth-orchestrator/internal/inference"
	"github.com/mwork/depth-orchestrator/internal/medialibrary"
	"github.com/mwork/depth-orchestrator/internal/pkg/database"
	"github.com/mwork/depth-orchestrator/internal/pkg/logger"
	"github.com/mwork/depth-orchestrator/internal/pkg/storage"
	"github.com/mwork/depth-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Msg("starting depth-orchestrator worker process")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to Redis - running without wakeup notifications")
		redisClient = nil
	}
	defer database.CloseRedis(redisClient)

	mediaRepo := media.NewRepository(db)
	jobRepo := job.NewRepository(db)
	artifactRepo := artifact.NewRepository(db)
	modelCatalog := model.NewCatalog(db)
	settingsRepo := settings.NewRepository(db)

	uploadStorage, err := storage.New(storage.Config{
		Type:      "local",
		LocalPath: cfg.UploadDir,
		LocalURL:  "/files/uploads",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize upload storage")
	}

	artifactStorage, err := newArtifactStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize artifact storage")
	}

	inferenceClient := inference.NewClientWithTimeouts(cfg.AIServiceURL, inference.Timeouts{
		Depth: cfg.InferenceDepthTimeout,
		Splat: cfg.InferenceSplatTimeout,
	})
	libraryClient := medialibrary.NewClientWithTimeout(cfg.LibraryURL, cfg.LibraryAPIKey, cfg.InferenceMetadataTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewHub(redisClient)
	go bus.Run(ctx)

	modelManager := model.NewManager(modelCatalog, inferenceClient, bus, model.Timeouts{
		Auto:   cfg.ModelTimeoutAuto,
		Manual: cfg.ModelTimeoutManual,
	})
	go modelManager.Run(ctx)

	if err := modelManager.SyncWithService(ctx); err != nil {
		log.Warn().Err(err).Msg("initial model catalog sync with inference service failed")
	}

	artifactStore := artifact.NewStore(artifactRepo, artifactStorage)
	jobQueue := job.NewQueue(jobRepo, mediaRepo)
	mediaSource := worker.NewMediaSource(uploadStorage, libraryClient)

	w := worker.New(jobQueue, mediaRepo, mediaSource, modelManager, inferenceClient, artifactStore,
		settingsRepo, bus, worker.Config{
			Tick:              cfg.WorkerTickMS,
			ExperimentalVideo: cfg.ExperimentalVideo,
		})

	w.RunGraceful(ctx, redisClient)

	log.Info().Msg("worker process exited")
}

func newArtifactStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.ArtifactStorageType {
	case "r2":
		return storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
	default:
		return storage.New(storage.Config{
			Type:      "local",
			LocalPath: cfg.ArtifactDir,
			LocalURL:  "/files/artifacts",
		})
	}
}

func setupLogger(cfg *config.Config) {
	loggerCfg := logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Error().Err(err).Msg("failed to initialize logger")
	}
}
