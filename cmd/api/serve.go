package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"docket/api/internal/app"
	"docket/api/internal/cache"
	"docket/api/internal/config"
	"docket/api/internal/email"
	"docket/api/internal/export"
	"docket/api/internal/gitrepo"
	"docket/api/internal/store"
	"docket/api/internal/store/memstore"
)

func newServeCmd(load loader) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var dataStore store.Store
			switch cfg.StoreDriver {
			case "memory":
				logger.Warn("using in-memory store; data is lost on restart")
				dataStore = memstore.New()
			default:
				db, err := store.Open(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				if !skipMigrations {
					if err := store.ApplyMigrations(ctx, db); err != nil {
						return err
					}
				}
				dataStore = store.NewPostgresStore(db)
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			opts := app.Options{
				QualityItemTypes: cfg.QualityTypes(),
				AllowSameSigner:  cfg.AllowSameSigner,
				Metrics:          app.NewMetrics(registry),
				Logger:           logger,
			}

			if cfg.MinioEndpoint != "" {
				objects, err := export.NewMinioStore(ctx, export.MinioConfig{
					Endpoint:  cfg.MinioEndpoint,
					AccessKey: cfg.MinioAccessKey,
					SecretKey: cfg.MinioSecretKey,
					Bucket:    cfg.MinioBucket,
					UseSSL:    cfg.MinioUseSSL,
				})
				if err != nil {
					return err
				}
				documents := export.NewService(export.ChromeRenderer{Timeout: cfg.PDFTimeout}, objects)
				opts.Documents = documents
				opts.Signatures = documents
				logger.WithField("bucket", cfg.MinioBucket).Info("quality document generation enabled")
			}

			if cfg.RedisURL != "" {
				badges, err := cache.NewRedisBadges(cfg.RedisURL, cfg.BadgeTTL)
				if err != nil {
					return err
				}
				defer badges.Close()
				opts.Badges = badges
			}

			if cfg.ReposDir != "" {
				if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
					return err
				}
				opts.Mirror = gitrepo.New(cfg.ReposDir)
			}

			mailer := email.NewService(email.Config{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
				FromName: cfg.SMTPFromName,
				BaseURL:  cfg.PublicURL,
			})
			if mailer.IsConfigured() {
				opts.Mailer = mailer
			}

			service := app.New(dataStore, opts)
			httpServer := app.NewHTTPServer(service, app.HTTPConfig{
				TokenSecret: []byte(cfg.JWTSecret),
				CORSOrigin:  cfg.CORSOrigin,
				MetricsPath: cfg.MetricsPath,
				Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
				Logger:      logger,
			})
			return serve(ctx, cfg, httpServer.Handler(), logger)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, handler http.Handler, logger *logrus.Logger) error {
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Docket API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error: %v", err)
		return err
	}
	return nil
}
