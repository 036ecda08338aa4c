// Package api exposes the HTTP API for browsing actors, changelogs, and
// Navigator exports.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/analysis"
	"github.com/lvonguyen/taprofiler/internal/export"
	"github.com/lvonguyen/taprofiler/internal/observability"
	"github.com/lvonguyen/taprofiler/internal/store"
)

// Server handles the HTTP API.
type Server struct {
	store     store.Store
	exporter  *export.Engine
	telemetry *observability.Telemetry
	logger    *zap.Logger
}

// NewServer creates an API server.
func NewServer(st store.Store, exporter *export.Engine, telemetry *observability.Telemetry, logger *zap.Logger) *Server {
	return &Server{
		store:     st,
		exporter:  exporter,
		telemetry: telemetry,
		logger:    logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.telemetry != nil && s.telemetry.Metrics() != nil {
		r.Handle("/metrics", s.telemetry.MetricsHandler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/actors", s.handleListActors)
		r.Get("/actors/{id}", s.handleGetActor)
		r.Get("/actors/{id}/changelog", s.handleActorChangelog)
		r.Get("/changelog", s.handleChangelog)
		r.Get("/relevant-actors", s.handleRelevantActors)
		r.Post("/export/navigator", s.handleExport)
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))

		if s.telemetry == nil || s.telemetry.Metrics() == nil {
			return
		}
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics := s.telemetry.Metrics()
		metrics.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	actors, err := s.store.ListActors(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to list actors", err)
		return
	}

	filter := filterFromQuery(r)
	s.respondJSON(w, http.StatusOK, filter.Apply(actors))
}

func filterFromQuery(r *http.Request) analysis.ActorFilter {
	q := r.URL.Query()
	filter := analysis.ActorFilter{
		Search:          q.Get("search"),
		Origins:         q["origin"],
		VictimSectors:   q["victim_sector"],
		VictimCountries: q["victim_country"],
		Motivations:     q["motivation"],
		Badges:          q["badge"],
		Malware:         q["malware"],
	}
	if v, err := strconv.Atoi(q.Get("min_popularity")); err == nil {
		filter.MinPopularity = &v
	}
	if v, err := strconv.Atoi(q.Get("max_popularity")); err == nil {
		filter.MaxPopularity = &v
	}
	return filter
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid actor id", err)
		return
	}

	actor, err := s.store.GetActorByID(r.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "actor not found", err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load actor", err)
		return
	}

	references := actor.ActorReferences
	if settings, err := s.store.GetSettings(r.Context()); err == nil {
		references = analysis.SortReferencesByTrust(references, settings.TrustedDomains)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"actor":      actor,
		"references": references,
	})
}

func (s *Server) handleActorChangelog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid actor id", err)
		return
	}

	records, err := s.store.ListChangesForActor(r.Context(), uint(id))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load changelog", err)
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	records, err := s.store.ListChanges(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load changelog", err)
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleRelevantActors(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetOrganizationProfile(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		s.respondJSON(w, http.StatusOK, []store.Actor{})
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load organization profile", err)
		return
	}

	actors, err := s.store.ListActors(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to list actors", err)
		return
	}

	relevant := analysis.RelevantActors(actors, profile)
	if relevant == nil {
		relevant = []store.Actor{}
	}
	s.respondJSON(w, http.StatusOK, relevant)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	opts := export.DefaultOptions()
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid export options", err)
		return
	}

	layer, err := s.exporter.Export(r.Context(), opts)
	if errors.Is(err, export.ErrNoActors) {
		s.respondError(w, http.StatusBadRequest, "no actors selected", err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "export failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, layer)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	if status >= 500 {
		s.logger.Error(message, zap.Error(err))
	} else {
		s.logger.Debug(message, zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": message})
}
