package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/service-dispatch/internal/cache"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/settings"
)

// LocationPublisher hands provider positions to the async pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Deps struct {
	Engine   *dispatch.Engine
	Matcher  *matcher.Service
	Settings *settings.Service
	Cache    *cache.Cache
	// Locations is optional. Without it positions are written directly.
	Locations LocationPublisher
	// Ready backs /readyz; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	engine    *dispatch.Engine
	matcher   *matcher.Service
	settings  *settings.Service
	cache     *cache.Cache
	locations LocationPublisher
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	mux       *mux.Router
	handler   http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine:    d.Engine,
		matcher:   d.Matcher,
		settings:  d.Settings,
		cache:     d.Cache,
		locations: d.Locations,
		ready:     d.Ready,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.mux.Use(s.instrument)
	s.routes()
	s.handler = s.outer(s.mux)
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/by-phone", s.handleRequestsByPhone).Methods(http.MethodGet)
	api.HandleFunc("/requests/for-provider", s.handleForProvider).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.providerAction(s.engine.Accept)).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/on-the-way", s.providerAction(s.engine.MarkOnTheWay)).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/in-progress", s.providerAction(s.engine.MarkInProgress)).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/complete", s.providerAction(s.engine.Complete)).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/cancel-by-provider", s.providerAction(s.engine.CancelByProvider)).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelByCustomer).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/rate-provider", s.rateAction(s.engine.RateProvider)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/rate-customer", s.rateAction(s.engine.RateCustomer)).Methods(http.MethodPost)

	api.HandleFunc("/provider/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/provider/settings", s.handleUpdateSettings).Methods(http.MethodPost)
	api.HandleFunc("/provider/status", s.handleProviderStatus).Methods(http.MethodPost)
	api.HandleFunc("/provider/location", s.handleProviderLocation).Methods(http.MethodPost)
	api.HandleFunc("/provider/stats", s.handleProviderStats).Methods(http.MethodGet)

	api.HandleFunc("/cache", s.handleClearCache).Methods(http.MethodDelete)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, failBody{Error: "route not found", RequestID: requestIDFromContext(r.Context())})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, failBody{Error: "not ready", RequestID: requestIDFromContext(r.Context())})
			return
		}
	}
	s.ok(w, r, http.StatusOK, map[string]string{"status": "ready"}, nil)
}
