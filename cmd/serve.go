package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/monitoring"
	"github.com/sells-group/postconvo/internal/resilience"
)

var servePort int

// pinger reports whether the store is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

// webhookServer accepts conversation webhooks and runs the pipeline for
// each one in the background.
type webhookServer struct {
	runner   conversationRunner
	store    pinger
	breakers *resilience.Registry

	// Runs are detached from request and shutdown cancellation.
	base     context.Context
	inflight sync.WaitGroup
}

func newWebhookServer(base context.Context, r conversationRunner, st pinger, breakers *resilience.Registry) *webhookServer {
	return &webhookServer{
		runner:   r,
		store:    st,
		breakers: breakers,
		base:     context.WithoutCancel(base),
	}
}

// Router returns the HTTP routes.
func (s *webhookServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/breakers", s.handleBreakers)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhook/conversations/{id}", s.handleConversation)
	return r
}

// Wait blocks until every accepted run has finished or ctx is done.
func (s *webhookServer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "serve: waiting for in-flight runs")
	}
}

func (s *webhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *webhookServer) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshots()})
}

func (s *webhookServer) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		UserID string `json:"user_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result, err := s.runner.Run(s.base, id, req.UserID)
		if err != nil {
			zap.L().Error("webhook run: conversation may be stuck",
				zap.String("conversation_id", id),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("webhook run complete",
			zap.String("conversation_id", id),
			zap.Bool("success", result.Success),
			zap.String("stage_reached", result.StageReached),
			zap.Bool("dead_lettered", result.DeadLettered),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":          "accepted",
		"conversation_id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Breakers,
			time.Duration(cfg.Monitoring.StuckAfterMins)*time.Minute)
		checker := monitoring.NewChecker(collector, env.Alerter, cfg.Monitoring)
		go checker.Run(ctx)

		ws := newWebhookServer(ctx, env.Orchestrator, env.Store, env.Breakers)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           ws.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return ws.Wait(drainCtx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
