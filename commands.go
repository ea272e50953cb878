package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"creatorevolve/config"
	"creatorevolve/config/database"
	"creatorevolve/internal/research/repository"
	"creatorevolve/internal/research/service"
	"creatorevolve/internal/research/upstream"
	"creatorevolve/pkg/logger"
	"creatorevolve/router"
	"creatorevolve/socket"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "creatorevolve",
		Short:         "Research workspace backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default ./.env when present)")

	rootCmd.AddCommand(newServeCommand(&envFile))
	rootCmd.AddCommand(newMigrateCommand(&envFile))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return rootCmd
}

func newServeCommand(envFile *string) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Create missing tables before serving")
	return cmd
}

func newMigrateCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := database.Connect(cmd.Context(), cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer db.Close()
			return database.Migrate(cmd.Context(), db)
		},
	}
}

func loadConfig(envFile string) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	db, err := database.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Sugar.Info("Successfully connected to the database")

	if migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Sugar.Warn("No JWT secret configured; every authenticated request will be rejected")
	}

	repo := repository.NewResearchRepository(db)
	chats := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
	svc := service.NewResearchService(repo, chats, service.SessionOptions{
		AutosaveDelay: cfg.Document.AutosaveDelay,
		HistoryLimit:  cfg.Document.HistoryLimit,
	})
	hub := socket.NewHub(svc)
	hub.AllowedOrigins = cfg.CORS.AllowedOrigins
	svc.Rooms = hub

	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router.Setup(cfg, svc, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gCtx)
	})
	g.Go(func() error {
		logger.Sugar.Infof("Backend listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Sugar.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
