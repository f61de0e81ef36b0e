package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/Sternrassler/apigate/pkg/client"
	"github.com/Sternrassler/apigate/pkg/metrics"
	"github.com/Sternrassler/apigate/pkg/requestor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

var proxyRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apigate_proxy_requests_total",
		Help: "Inbound proxy requests by route pattern and status",
	},
	[]string{"route", "status"},
)

type server struct {
	app     *app
	router  *chi.Mux
	limiter *clientLimiter
	http    *http.Server
	logger  zerolog.Logger
}

func newServer(a *app) *server {
	s := &server{
		app:    a,
		router: chi.NewRouter(),
		logger: a.logger,
	}
	if a.cfg.Server.InboundRPS > 0 {
		s.limiter = newClientLimiter(a.cfg.Server.InboundRPS, a.cfg.Server.InboundBurst)
	}
	s.setupRoutes()
	return s
}

func (s *server) setupRoutes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.metrics)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", healthHandler)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Get("/api/{name}", s.handleGet)
		r.Delete("/api/{name}", s.handleRefresh)
		r.Post("/api/{name}/warm", s.handleWarm)
		r.Get("/raw/*", s.handleRaw)
	})
}

// Handler returns the root handler.
func (s *server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting proxy server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// startMaintenance runs limiter cleanup and cache purging on schedule. The
// returned cron must be stopped by the caller.
func (s *server) startMaintenance(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.maintain(time.Now()) }); err != nil {
		return nil, fmt.Errorf("schedule maintenance %q: %w", schedule, err)
	}
	c.Start()
	s.logger.Debug().Str("schedule", schedule).Msg("Maintenance scheduled")
	return c, nil
}

func (s *server) maintain(now time.Time) {
	if s.limiter != nil {
		if n := s.limiter.cleanup(now); n > 0 {
			s.logger.Debug().Int("removed", n).Msg("Dropped idle client limiters")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.app.purgeExpired(ctx)
}

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func (s *server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		proxyRequestsTotal.WithLabelValues(pattern, strconv.Itoa(status)).Inc()

		zerolog.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports 503 while a configured Redis is unreachable.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.app.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.app.redis.Ping(ctx).Err(); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (route, bool) {
	name := chi.URLParam(r, "name")
	rt, ok := s.app.routes[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown endpoint "+strconv.Quote(name))
	}
	return rt, ok
}

// handleGet serves the cached value, fetching it on a miss.
func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	v, err := rt.request(r.Context(), queryParams(r.URL.Query()), false)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleRefresh drops the cached value and fetches it again.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	v, err := rt.request(r.Context(), queryParams(r.URL.Query()), true)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleWarm fills the cache without returning the value.
func (s *server) handleWarm(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := rt.warm(r.Context(), queryParams(r.URL.Query())); err != nil {
		writeRequestError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rawEndpointLabel counts passthrough calls as one series whatever path they
// forward.
const rawEndpointLabel = "raw"

// handleRaw forwards GET /raw/<path> upstream through the gate, uncached.
func (s *server) handleRaw(w http.ResponseWriter, r *http.Request) {
	endpoint := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	ctx := client.WithEndpointLabel(r.Context(), rawEndpointLabel)
	resp := s.app.client.Get(ctx, endpoint, r.URL.Query())
	if resp.StatusCode == 0 {
		zerolog.Ctx(r.Context()).Warn().Err(resp.Err).Str("endpoint", endpoint).Msg("Upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	for _, h := range []string{"Content-Type", "Cache-Control", "Expires", "Last-Modified", "ETag", "X-Pages"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to write response")
	}
}

// queryParams converts query values to request params. Repeated keys become
// a []string.
func queryParams(q url.Values) cache.Params {
	params := make(cache.Params, len(q))
	for k, vs := range q {
		switch len(vs) {
		case 0:
		case 1:
			params[k] = vs[0]
		default:
			params[k] = append([]string(nil), vs...)
		}
	}
	return params
}

func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *requestor.MissingParamsError
	switch {
	case errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the answer.
		w.WriteHeader(499)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
