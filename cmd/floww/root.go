package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/floww-sh/floww/internal/bus"
	"github.com/floww-sh/floww/internal/config"
	"github.com/floww-sh/floww/internal/dispatch"
	"github.com/floww-sh/floww/internal/images"
	"github.com/floww-sh/floww/internal/lifecycle"
	"github.com/floww-sh/floww/internal/runtime"
	"github.com/floww-sh/floww/internal/scheduler"
	"github.com/floww-sh/floww/internal/secrets"
	"github.com/floww-sh/floww/internal/server"
	"github.com/floww-sh/floww/internal/store"
)

// version is stamped at build time with -ldflags.
var version = "dev"

// maintenanceInterval paces the idle-runtime reaper.
const maintenanceInterval = time.Minute

var rootCmd = &cobra.Command{
	Use:   "floww",
	Short: "floww — workflow trigger dispatch and execution service",
	Long: `floww accepts external events (provider webhooks, cron schedules,
manual invocations), matches them against declared workflow triggers, and
dispatches qualifying events to workflow code running in an isolated
runtime (docker, lambda, or kubernetes).

Configuration is environment-based; see DATABASE_URL, PUBLIC_API_URL,
WORKFLOW_JWT_SECRET, ENCRYPTION_KEY, RUNTIME_TYPE.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, scheduler, and background maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer log.Sync()
		if err := serve(log); err != nil {
			log.Error("floww exited", zap.Error(err))
			return err
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the floww version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("floww", version)
	},
}

// migrateCmd applies pending schema migrations and exits. serve does the
// same on startup; this exists for pipelines that migrate separately.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		return db.Close()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd, migrateCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func serve(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	backend, err := runtime.NewBackend(cfg, log)
	if err != nil {
		return err
	}
	events, err := bus.New(cfg.RedisURL, log)
	if err != nil {
		return err
	}
	defer events.Close()

	tokens := dispatch.NewTokenIssuer(cfg.WorkflowJWTSecret, cfg.WorkflowJWTExpiration)
	resolver := images.NewResolver(cfg.ImageRepo)
	dispatcher := dispatch.New(db, box, resolver, backend, tokens, cfg.PublicAPIURL, log)
	sched := scheduler.New(db, dispatcher, log, cfg.SchedulerMisfireGrace)
	manager := lifecycle.New(db, box, sched, cfg.PublicAPIURL, log)

	// Re-seed scheduler jobs from the recurring-task table so restarts and
	// new replicas converge on the same job set.
	if err := sched.SyncAllRecurringTasks(ctx); err != nil {
		log.Warn("recurring task sync failed", zap.Error(err))
	}

	srv := server.New(db, box, dispatcher, manager, events, tokens, backend, resolver, log)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				mctx, cancel := context.WithTimeout(gctx, time.Minute)
				if err := backend.TeardownUnusedRuntimes(mctx); err != nil {
					log.Warn("runtime teardown failed", zap.Error(err))
				}
				cancel()
			}
		}
	})

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.ListenAddr),
			zap.String("runtime", string(cfg.RuntimeType)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
