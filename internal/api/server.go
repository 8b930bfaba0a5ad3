package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"scrapeq/internal/progress"
	"scrapeq/internal/usecase"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxEvents = 500

// StatsSource is implemented by *usecase.Scheduler.
type StatsSource interface {
	Snapshot(ctx context.Context) usecase.Snapshot
}

// EventSource is implemented by *progress.Ring.
type EventSource interface {
	Recent(n int) []progress.Event
}

// Server exposes the live state of a run over HTTP. It only reads.
type Server struct {
	router *chi.Mux
	stats  StatsSource
	events EventSource
}

func NewServer(stats StatsSource, events EventSource) *Server {
	s := &Server{router: chi.NewRouter(), stats: stats, events: events}
	s.router.Get("/healthz", s.healthz)
	s.router.Get("/stats", s.snapshot)
	s.router.Get("/events", s.recentEvents)
	s.router.Get("/metrics", s.metrics)
	return s
}

// Handler is the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		}),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Msgf("api serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Ctx(ctx).Info().Msg("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot(r.Context()))
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEvents)
	}
	events := s.events.Recent(limit)
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("writing response failed")
	}
}
