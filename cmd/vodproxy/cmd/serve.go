package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vodproxy/internal/auth"
	"github.com/jmylchreest/vodproxy/internal/catalog"
	"github.com/jmylchreest/vodproxy/internal/config"
	"github.com/jmylchreest/vodproxy/internal/database"
	"github.com/jmylchreest/vodproxy/internal/events"
	"github.com/jmylchreest/vodproxy/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/vodproxy/internal/http"
	"github.com/jmylchreest/vodproxy/internal/http/handlers"
	"github.com/jmylchreest/vodproxy/internal/ingest"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/relay"
	"github.com/jmylchreest/vodproxy/internal/repository"
	"github.com/jmylchreest/vodproxy/internal/scheduler"
	"github.com/jmylchreest/vodproxy/internal/signing"
	"github.com/jmylchreest/vodproxy/internal/startup"
	"github.com/jmylchreest/vodproxy/internal/storage"
	"github.com/jmylchreest/vodproxy/internal/transcode"
	"github.com/jmylchreest/vodproxy/internal/util"
	"github.com/jmylchreest/vodproxy/internal/version"
)

const lockKeyPrefix = "vodproxy:ingest:"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vodproxy server",
	Long: `Start the vodproxy HTTP server.

The server provides:
- Signed streaming proxy at /stream/{itemId}/...
- Ingestion endpoint at POST /api/v1/ingest (admin only)
- Catalog API at /api/v1/videos and /api/v1/catalog
- Health, metrics and OpenAPI documentation`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	store := repository.NewStore(db.DB)

	signer, err := signing.NewSigner([]byte(cfg.Signing.Secret))
	if err != nil {
		return fmt.Errorf("initializing signer: %w", err)
	}
	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.AdminRole)
	if err != nil {
		return fmt.Errorf("initializing token verifier: %w", err)
	}

	originals, err := storage.NewOriginalStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing original storage: %w", err)
	}

	uploads, err := storage.NewSandbox(cfg.Storage.UploadsDir)
	if err != nil {
		return fmt.Errorf("initializing uploads directory: %w", err)
	}

	pipeline, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}

	source, err := newMediaSource(cfg, pipeline.OutputRoot(), logger)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, err := events.New(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("initializing event publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing event publisher", slog.String("error", err.Error()))
		}
	}()

	orchestrator := ingest.New(ingest.Deps{
		Store:      store,
		Originals:  originals,
		Transcoder: pipeline,
		Source:     source,
		Locker:     locker,
		Publisher:  publisher,
		Uploads:    uploads,
	}, ingest.Options{
		Timeout:       cfg.Transcode.Timeout,
		MaxConcurrent: cfg.Transcode.MaxConcurrent,
	}, logger)

	cleanup := &scheduler.CleanupJob{
		OutputRoot: pipeline.OutputRoot(),
		FailedRoot: filepath.Join(cfg.Storage.WorkDir, transcode.FailedDirName),
		LibraryDir: cfg.Storage.LibraryDir,
		MaxAge:     cfg.Cleanup.MaxAge,
		Videos:     store.Videos(),
		Logger:     logger,
	}
	cleanup.Run(ctx)
	if _, err := startup.ReconcileMediaItems(ctx, logger, orchestrator); err != nil {
		logger.Warn("media item reconciliation failed", slog.String("error", err.Error()))
	}

	sched := scheduler.NewScheduler().WithLogger(logger)
	if err := sched.Add("cleanup", cfg.Cleanup.Schedule, func(ctx context.Context) {
		cleanup.Run(ctx)
		if _, err := orchestrator.Reconcile(ctx); err != nil {
			logger.WarnContext(ctx, "media item reconciliation failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return err
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version,
		auth.Middleware(verifier, cfg.Auth.CookieName, logger),
	)

	handlers.NewHealthHandler(version.Version).WithDB(db).Register(server.API())

	catalogService := catalog.NewService(source, signer, cfg.Signing.TTL, store).WithLogger(logger)
	handlers.NewVideoHandler(catalogService).WithLogger(logger).Register(server.API())

	streamHandler := handlers.NewStreamHandler(source, signer, cfg.Relay.ChunkSize).WithLogger(logger)
	if cfg.Relay.SignManifests {
		streamHandler.WithManifestRewriter(relay.NewManifestRewriter(signer, cfg.Relay.MaxManifestSize))
	}
	streamHandler.RegisterChiRoutes(server.Router())

	handlers.NewIngestHandler(orchestrator).WithLogger(logger).RegisterChiRoutes(server.Router())

	logger.Info("starting vodproxy server",
		slog.String("address", cfg.Server.Address()),
		slog.String("media_source", cfg.MediaSource.Type),
		slog.String("version", version.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	return g.Wait()
}

// newMediaSource selects the upstream. The local library serves the
// transcode output tree directly.
func newMediaSource(cfg *config.Config, outputRoot string, logger *slog.Logger) (mediasource.Source, error) {
	switch cfg.MediaSource.Type {
	case "jellyfin":
		return mediasource.NewJellyfin(cfg.MediaSource, logger), nil
	case "", "library":
		lib, err := mediasource.NewLibrary(outputRoot, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing media library: %w", err)
		}
		return lib, nil
	default:
		return nil, fmt.Errorf("unknown media source type %q", cfg.MediaSource.Type)
	}
}

func newPipeline(cfg *config.Config, logger *slog.Logger) (*transcode.Pipeline, error) {
	ffmpegPath, err := util.FindBinary(cfg.Transcode.FFmpegPath, "ffmpeg", "VODPROXY_FFMPEG_BINARY")
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}
	ffprobePath, err := util.FindBinary(cfg.Transcode.FFprobePath, "ffprobe", "VODPROXY_FFPROBE_BINARY")
	if err != nil {
		return nil, fmt.Errorf("locating ffprobe: %w", err)
	}

	opts := transcode.OptionsFromConfig(cfg.Transcode, cfg.Storage.WorkDir, ffmpegPath, ffprobePath)
	pipeline, err := transcode.NewPipeline(opts, ffmpeg.NewExecRunner(logger), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing transcode pipeline: %w", err)
	}
	return pipeline, nil
}

func newLocker(cfg config.LockConfig) (ingest.Locker, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return ingest.NewMemoryLocker(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return ingest.NewRedisLocker(client, lockKeyPrefix, cfg.TTL), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
