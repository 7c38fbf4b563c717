package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/sprout/common/httputil"
	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/common/messaging"
	"github.com/telhawk-systems/sprout/harvest/internal/scheduler"
)

const (
	jobHarvest   = "harvest"
	jobDiscovery = "discovery"
)

var skipMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the harvest and discovery schedules",
	Long: `Run harvest daily and discovery monthly (see schedule.*) until
interrupted. Only one run executes at a time. Prometheus metrics and a
health check are served on metrics.addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if storeKind == storePostgres && !skipMigrate {
			if err := migrateDB(cfg.Database.Postgres, false, logger); err != nil {
				return err
			}
		}

		a, err := newApp(ctx, cfg, logger, storeKind)
		if err != nil {
			return err
		}
		defer a.close()

		runner, err := a.runner()
		if err != nil {
			return err
		}
		discoverer, err := a.discoverer()
		if err != nil {
			return err
		}

		sched := scheduler.NewScheduler(a.lock(), logger, scheduler.Config{
			RunTimeout: cfg.Harvest.RunTimeout,
			RunOnStart: cfg.Schedule.RunOnStart,
		},
			scheduler.Job{
				Name:     jobHarvest,
				Interval: cfg.Schedule.HarvestInterval,
				Run: func(ctx context.Context) error {
					_, err := runner.Run(ctx)
					return err
				},
			},
			scheduler.Job{
				Name:     jobDiscovery,
				Interval: cfg.Schedule.DiscoveryInterval,
				Run: func(ctx context.Context) error {
					_, err := discoverer.Run(ctx)
					return err
				},
			},
		)

		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newOpsMux(a, sched),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", logging.Error(err))
			}
		}()

		if err := sched.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		logger.Info("shutdown signal received")

		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", logging.Error(err))
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", logging.Error(err))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply database migrations on startup")
	rootCmd.AddCommand(runCmd)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Store     string                 `json:"store"`
	Messaging messaging.HealthStatus `json:"messaging"`
	Scheduler map[string]interface{} `json:"scheduler"`
}

// newOpsMux serves /metrics and /healthz.
func newOpsMux(a *app, sched *scheduler.Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(a.repo, a.publisher, sched))
	return httputil.AccessLog(a.logger)(mux)
}

func healthHandler(store pinger, publisher messaging.Publisher, sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Store: "ok", Messaging: messaging.CheckHealth(ctx, publisher)}
		if sched != nil {
			resp.Scheduler = sched.GetStats()
		}
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
			code = http.StatusServiceUnavailable
		}
		if !resp.Messaging.Connected {
			resp.Status = "degraded"
		}
		httputil.WriteJSON(w, code, resp, logger)
	}
}
