package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"image-optimizer/internal/handlers"
	"image-optimizer/internal/indexer"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/middleware"
	"image-optimizer/internal/startup"
)

func newServeCmd(configFile *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bulk API, health checks and metrics",
		Long: `Starts the HTTP server. Besides the bulk and optimize API it indexes the
media directory in the background and, when schedule_interval is set,
optimizes the whole library on that interval.`,
		Example: `  # Start server on default port 8080
  image-optimizer serve

  # Re-index hourly and optimize nightly
  INDEX_INTERVAL=1h SCHEDULE_INTERVAL=24h image-optimizer serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			startTime := time.Now()
			ctx := cmd.Context()

			a, err := openApp(ctx, *configFile, false)
			if err != nil {
				return err
			}
			defer a.Close()
			s := a.config.Settings
			if port != "" {
				s.Server.Port = port
			}

			// Background work stops with this context, before the ledger closes.
			bgCtx, stopBackground := context.WithCancel(ctx)
			defer stopBackground()

			sched := newScheduler(a.controller, a.db.ListAttachmentIDs, s.Bulk.ScheduleInterval)
			sched.memory = a.monitor
			startup.LogSchedulerInit(s.Bulk.ScheduleInterval)

			startup.LogIndexerInit(s.Bulk.IndexInterval)
			idx := indexer.New(a.db, s.MediaDir, s.Bulk.IndexInterval)
			idx.SetOnIndexComplete(func(indexer.Result) { sched.Trigger() })
			idx.Start(bgCtx)
			sched.Start(bgCtx)

			var collector *metrics.Collector
			if s.Server.MetricsEnabled {
				collector = metrics.NewCollector(a.controller, time.Minute)
				collector.Start()
			}

			h := handlers.New(a.db, a.controller, a.dispatcher, idx, a.tools, s.MediaDir)
			router := setupRouter(h, s.Server.MetricsEnabled)
			startup.LogHTTPRoutes(router)

			loggingConfig := middleware.DefaultLoggingConfig()
			loggingConfig.LogHealthChecks = a.config.LogHealthChecks

			srv := &http.Server{
				Addr:         ":" + s.Server.Port,
				Handler:      middleware.Logger(loggingConfig)(router),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: s.Bulk.TickDeadline + 30*time.Second,
				IdleTimeout:  60 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()
			startup.LogServerStarted(startup.ServerConfig{
				Port:            s.Server.Port,
				MetricsEnabled:  s.Server.MetricsEnabled,
				StartupDuration: time.Since(startTime),
			})

			select {
			case <-ctx.Done():
				startup.LogShutdownInitiated(context.Cause(ctx).Error())
			case err := <-serverErr:
				logging.Error("Server error: %v", err)
				stopBackground()
				idx.Stop()
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			startup.LogShutdownStep("Stopping indexer and scheduler")
			stopBackground()
			idx.Stop()
			startup.LogShutdownStepComplete("Indexer and scheduler stopped")

			if collector != nil {
				collector.Stop()
			}

			startup.LogShutdownStep("Shutting down HTTP server")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Warn("Server shutdown error: %v", err)
			} else {
				startup.LogShutdownStepComplete("HTTP server stopped")
			}

			startup.LogShutdownComplete()
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "port to listen on (default: server.port)")
	return cmd
}

func setupRouter(h *handlers.Handlers, metricsEnabled bool) *mux.Router {
	r := mux.NewRouter()
	if metricsEnabled {
		r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))
	}

	// Health check and version routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")
	if metricsEnabled {
		r.Handle("/metrics", h.MetricsHandler()).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/optimize", h.OptimizeFile).Methods("POST")

	b := api.PathPrefix("/bulk").Subrouter()
	b.HandleFunc("/start", h.StartBulk).Methods("POST")
	b.HandleFunc("/tick", h.TickBulk).Methods("POST")
	b.HandleFunc("/reset", h.ResetBulk).Methods("POST")
	b.HandleFunc("/status", h.BulkStatus).Methods("GET")

	return r
}
