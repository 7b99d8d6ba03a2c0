package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/alerts"
	"github.com/dennisdiepolder/monti/router/internal/api"
	"github.com/dennisdiepolder/monti/router/internal/auth"
	"github.com/dennisdiepolder/monti/router/internal/callqueue"
	"github.com/dennisdiepolder/monti/router/internal/ticker"
	"github.com/dennisdiepolder/monti/router/internal/websocket"
	"github.com/dennisdiepolder/monti/router/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket hub and, unless disabled, the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := ctx.log()

			d, cleanup, err := ctx.openDeps(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			a := newApp(cfg, d, true, logger)
			return a.serve(cmd.Context())
		},
	}
}

// serve runs until ctx is done, then shuts every component down
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.SchedulerEmbedded {
		if err := a.loop.Start(gctx); err != nil {
			return err
		}
	} else {
		a.logger.Info().Msg("scheduler not embedded, run `callrouter scheduler` separately")
	}

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})

	stats := ticker.NewTicker(ticker.Options{
		Stats:   a.manager,
		SL:      a.serviceLeveler(),
		Hub:     a.hub,
		Metrics: a.metrics,
		Thresholds: alerts.Thresholds{
			QueueLength: a.cfg.QueueAlertLength,
			WaitSeconds: a.cfg.QueueAlertWaitSeconds,
		},
		Interval: a.cfg.StatsBroadcast,
	}, a.logger)
	g.Go(func() error {
		stats.Start(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.router(gctx),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.TransferPickupTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info().
			Str("port", a.cfg.Port).
			Strs("allowed_origins", a.cfg.AllowedOrigins).
			Bool("scheduler_embedded", a.cfg.SchedulerEmbedded).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if a.cfg.SchedulerEmbedded {
			if err := a.loop.Stop(shutdownCtx); err != nil && !errors.Is(err, callqueue.ErrLoopStopped) {
				a.logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info().Msg("server stopped")
	return err
}

// serviceLeveler is nil when the scheduler runs in another process
func (a *app) serviceLeveler() callqueue.ServiceLeveler {
	if !a.cfg.SchedulerEmbedded {
		return nil
	}
	return a.scheduler
}

// router builds the HTTP surface. baseCtx bounds scheduler loops started over HTTP.
func (a *app) router(baseCtx context.Context) http.Handler {
	verifier := auth.NewVerifier(auth.Options{
		SkipAuth: a.cfg.SkipAuth,
		Issuer:   a.cfg.OIDCIssuer,
	}, a.logger)

	var loop *callqueue.Loop
	if a.cfg.SchedulerEmbedded {
		loop = a.loop
	}
	queue := callqueue.NewCallHandler(baseCtx, a.manager, loop, a.serviceLeveler(), a.logger)
	sessions := api.NewSessionHandler(a.tracker, a.orchestrator, a.logger)
	history := api.NewAgentHistoryHandler(a.archive, a.logger)
	roster := api.NewRosterHandler(a.store, a.logger)
	ws := websocket.NewHandler(a.hub, a.cfg, a.logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(a.cfg.AllowedOrigins))

	// Public routes
	r.Get("/health", healthHandler)
	r.Get("/metrics", a.metrics.Handler())

	// Internal routes for the agent-management service
	r.Route("/internal/agents", roster.Routes)

	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		r.Get("/ws", ws.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Route("/queue", queue.Routes)
			r.Route("/sessions", sessions.Routes)
			r.Get("/agents/{agentId}/calls", history.GetCalls)
			r.Get("/calls", history.GetDay)

			r.Route("/scheduler", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor))
				queue.SchedulerRoutes(r)
			})
		})
	})

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"callrouter"}`)
}
