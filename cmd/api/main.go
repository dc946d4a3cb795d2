package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
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
	"github.com/mwork/depth-orchestrator/internal/middleware"
	"github.com/mwork/depth-orchestrator/internal/orchestration"
	"github.com/mwork/depth-orchestrator/internal/pkg/database"
	"github.com/mwork/depth-orchestrator/internal/pkg/logger"
	pkgresponse "github.com/mwork/depth-orchestrator/internal/pkg/response"
	"github.com/mwork/depth-orchestrator/internal/pkg/storage"
	"github.com/mwork/depth-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting depth-orchestrator API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis - running without Redis...")
		redisClient = nil
	}
	defer database.CloseRedis(redisClient)

	// ---------- Repositories ----------
	mediaRepo := media.NewRepository(db)
	jobRepo := job.NewRepository(db)
	artifactRepo := artifact.NewRepository(db)
	modelCatalog := model.NewCatalog(db)
	settingsRepo := settings.NewRepository(db)

	// ---------- Storage backends ----------
	uploadStorage, err := storage.New(storage.Config{
		Type:      "local",
		LocalPath: cfg.UploadDir,
		LocalURL:  "/files/uploads",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize upload storage")
	}

	artifactStorage, err := newArtifactStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize artifact storage")
	}

	// ---------- Collaborators ----------
	inferenceClient := inference.NewClientWithTimeouts(cfg.AIServiceURL, inference.Timeouts{
		Depth: cfg.InferenceDepthTimeout,
		Splat: cfg.InferenceSplatTimeout,
	})
	libraryClient := medialibrary.NewClientWithTimeout(cfg.LibraryURL, cfg.LibraryAPIKey, cfg.InferenceMetadataTimeout)

	// ---------- Event Bus ----------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewHub(redisClient)
	go bus.Run(ctx)

	// ---------- Model Manager ----------
	modelManager := model.NewManager(modelCatalog, inferenceClient, bus, model.Timeouts{
		Auto:   cfg.ModelTimeoutAuto,
		Manual: cfg.ModelTimeoutManual,
	})
	go modelManager.Run(ctx)

	if err := modelManager.SyncWithService(ctx); err != nil {
		log.Warn().Err(err).Msg("initial model catalog sync with inference service failed")
	}

	// ---------- Artifact Store ----------
	artifactStore := artifact.NewStore(artifactRepo, artifactStorage)

	// ---------- Job Queue ----------
	jobQueue := job.NewQueue(jobRepo, mediaRepo)

	// ---------- Processing Worker ----------
	mediaSource := worker.NewMediaSource(uploadStorage, libraryClient)
	w := worker.New(jobQueue, mediaRepo, mediaSource, modelManager, inferenceClient, artifactStore,
		settingsRepo, bus, worker.Config{
			Tick:              cfg.WorkerTickMS,
			ExperimentalVideo: cfg.ExperimentalVideo,
		})

	workerCtx, workerCancel := context.WithCancel(ctx)
	startWorker := func() {
		go w.Run(workerCtx, nil)
	}
	stopWorker := func() { workerCancel() }
	if cfg.AutoStartWorker {
		startWorker()
	}

	// ---------- Orchestration service ----------
	svc := orchestration.New(ctx, mediaRepo, jobQueue, artifactStore, modelManager, inferenceClient,
		libraryClient, settingsRepo, bus, uploadStorage, orchestration.WorkerController{
			Worker:    w,
			StartFunc: startWorker,
			StopFunc:  stopWorker,
		}, orchestration.Config{})

	handler := orchestration.NewHandler(svc)

	// ---------- Router ----------
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		pkgresponse.OK(w, map[string]string{"status": status})
	})

	handler.Mount(r)

	rootHandler := middleware.Logger(middleware.Recover(r))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
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
		log.Error().Err(err).Msg("Failed to initialize logger")
	}
}
