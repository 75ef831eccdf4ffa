package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"reelqueue/api/internal/app"
	"reelqueue/api/internal/config"
	"reelqueue/api/internal/email"
	"reelqueue/api/internal/media"
	"reelqueue/api/internal/search"
	"reelqueue/api/internal/session"
	"reelqueue/api/internal/store"
	"reelqueue/api/internal/util"
)

func main() {
	cfg := config.Load()
	logger := util.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	root := &cobra.Command{
		Use:           "reelqueue",
		Short:         "Movie and TV show submission and moderation API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
	root.AddCommand(
		newServeCommand(cfg, logger),
		newMigrateCommand(cfg, logger),
		newPromoteCommand(cfg, logger),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Fatal("command failed", "err", err)
	}
}

func newServeCommand(cfg config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the HTTP API (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	var revocations app.RevocationStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for token revocation")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		revocations = redisStore
	} else {
		logger.Info("using postgres for token revocation")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	searchService.Resync()

	posters, err := posterStorage(ctx, cfg)
	if err != nil {
		return err
	}

	notifier := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !notifier.IsConfigured() {
		logger.Info("smtp not configured, moderation notices disabled")
	}

	service := app.New(cfg, app.Deps{
		Store:       dataStore,
		Revocations: revocations,
		Search:      searchService,
		Posters:     posters,
		Notifier:    notifier,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reelqueue api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	service.Wait()
	searchService.Wait()
	return nil
}

func posterStorage(ctx context.Context, cfg config.Config) (media.Storage, error) {
	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		disk, err := media.NewDiskStorage(cfg.UploadsDir, "/uploads")
		if err != nil {
			return nil, err
		}
		return disk, nil
	}
	bucket, err := media.NewMinioStorage(ctx, media.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		return nil, err
	}
	return bucket, nil
}
