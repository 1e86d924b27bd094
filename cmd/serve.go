package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/audit"
	"github.com/zonegate/zonegate/internal/bootstrap"
	"github.com/zonegate/zonegate/internal/config"
	"github.com/zonegate/zonegate/internal/db/bunx"
	"github.com/zonegate/zonegate/internal/migrations"
	"github.com/zonegate/zonegate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DNS proxy server",
	Long:  `Runs migrations, seeds first-start data, and serves the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DBPath)
		if err != nil {
			logger.Error("storage init failed", zap.Error(err))
			os.Exit(config.ExitStorageError)
		}
		defer bunx.Close(db)
		logger.Info("connected to database", zap.String("path", cfg.DBPath))

		// Migrations run before anything is served; a version mismatch or
		// failed migration refuses startup.
		ctx := cmd.Context()
		migrator := migrate.NewMigrator(db, migrations.Migrations)
		if err := migrator.Init(ctx); err != nil {
			logger.Error("migration init failed", zap.Error(err))
			os.Exit(config.ExitMigrateError)
		}
		group, err := migrator.Migrate(ctx)
		if err != nil {
			logger.Error("migration failed", zap.Error(err))
			os.Exit(config.ExitMigrateError)
		}
		if group.ID != 0 {
			logger.Info("applied migrations", zap.Int64("group", group.ID))
		}

		mirror, err := audit.NewMirrorLogger(cfg.DBPath + ".audit.log")
		if err != nil {
			logger.Error("audit mirror init failed", zap.Error(err))
			os.Exit(config.ExitStorageError)
		}
		defer mirror.Sync()

		app, err := server.NewApplication(cfg, logger, db, mirror)
		if err != nil {
			return err
		}
		defer app.Close()

		seeder := &bootstrap.Seeder{
			DB:       db,
			Registry: app.Registry,
			Config:   cfg,
			Hasher:   app.Hasher,
			Logger:   logger,
		}
		if err := seeder.Run(ctx); err != nil {
			logger.Error("seeding failed", zap.Error(err))
			os.Exit(config.ExitStorageError)
		}

		srv := &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           app.NewRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Background maintenance: expired sessions and idle rate buckets.
		gcCtx, gcCancel := context.WithCancel(context.Background())
		defer gcCancel()
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gcCtx.Done():
					return
				case <-ticker.C:
					app.Sessions.GC(gcCtx)
					app.Limiter.GC(2 * time.Hour)
				}
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case sig := <-stop:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", zap.Error(err))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
