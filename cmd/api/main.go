package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"counselhub/api/internal/app"
	"counselhub/api/internal/config"
	"counselhub/api/internal/email"
	"counselhub/api/internal/export"
	"counselhub/api/internal/gitrepo"
	"counselhub/api/internal/logging"
	"counselhub/api/internal/metrics"
	"counselhub/api/internal/realtime"
	"counselhub/api/internal/search"
	"counselhub/api/internal/session"
	"counselhub/api/internal/storage"
	"counselhub/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("database ready", zap.Int("migrations_applied", len(applied)))
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	sessions, err := connectRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer sessions.Close()

	dataStore := store.NewPostgresStore(db)
	revisions := gitrepo.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	go searchService.ReindexAll(ctx)

	provider, uploads, err := storageProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage setup failed: %w", err)
	}
	media := storage.NewService(provider, cfg.SignedURLTTL, logger)
	logger.Info("storage configured", zap.String("provider", media.ProviderName()))

	hub := realtime.NewHub(cfg.CORSOrigin, logger)
	defer hub.Close()
	registry := metrics.New()

	deps := app.Deps{
		Store:     dataStore,
		Sessions:  sessions,
		Revisions: revisions,
		Search:    searchService,
		Storage:   media,
		Exporter:  export.NewService(dataStore, revisions),
		Hub:       hub,
		Metrics:   registry,
		Logger:    logger,
	}
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	} else {
		logger.Info("smtp not configured, decision notices disabled")
	}
	service := app.New(cfg, deps)

	opts := []app.ServerOption{
		app.WithLogger(logger),
		app.WithMetrics(registry, registry.Handler()),
		app.WithCountsStream(hub),
		app.WithAuthRateLimit(cfg.AuthRatePerMinute),
	}
	if uploads != nil {
		opts = append(opts, app.WithUploads(uploads))
	}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, opts...)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Minute,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("counselhub api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// connectDatabase retries while Postgres is still starting, which is the
// normal case under docker compose.
func connectDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*sql.DB, error) {
	pool := store.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}
	var db *sql.DB
	operation := func() error {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL, pool)
		return err
	}
	err := backoff.RetryNotify(operation, startupBackoff(ctx), func(err error, d time.Duration) {
		logger.Warn("database not ready", zap.Error(err), zap.Duration("backoff", d))
	})
	return db, err
}

func connectRedis(ctx context.Context, url string, logger *zap.Logger) (*session.RedisStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("REDIS_URL is required for refresh sessions")
	}
	var rs *session.RedisStore
	operation := func() error {
		candidate, err := session.NewRedisStore(url)
		if err != nil {
			if errors.Is(err, session.ErrInvalidURL) {
				return backoff.Permanent(err)
			}
			return err
		}
		rs = candidate
		return nil
	}
	err := backoff.RetryNotify(operation, startupBackoff(ctx), func(err error, d time.Duration) {
		logger.Warn("redis not ready", zap.Error(err), zap.Duration("backoff", d))
	})
	return rs, err
}

func startupBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	return backoff.WithContext(b, ctx)
}

// storageProvider picks the media backend. The local provider also serves
// its files, so it returns a handler for /uploads.
func storageProvider(ctx context.Context, cfg config.Config) (storage.Provider, http.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageType)) {
	case "minio", "s3":
		p, err := storage.NewMinIOProvider(ctx, storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		return p, nil, err
	case "cloudinary":
		p, err := storage.NewCloudinaryProvider(storage.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryFolder,
		})
		return p, nil, err
	case "", "local":
		p, err := storage.NewLocalProvider(cfg.LocalUploadDir, cfg.LocalPublicBaseURL, cfg.JWTSecret)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}
