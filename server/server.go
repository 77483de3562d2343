package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatrelay/telemetry"
)

// Options tune the middleware stack.
type Options struct {
	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

// OptionsFromEnv reads middleware settings from the environment.
func OptionsFromEnv() Options {
	return Options{
		Auth:      loadAuthConfig(),
		RateLimit: loadRateLimitConfig(),
		CORS:      loadCORSConfig(),
	}
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(deps Deps, opts Options) http.Handler {
	h := NewHandlers(deps)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(opts.CORS))
	r.Use(correlate)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)

	if deps.Events != nil {
		r.Handle("/events", deps.Events)
		r.Handle("/api/v2/events", deps.Events)
	}

	r.Route("/auth/twitch", func(r chi.Router) {
		r.Use(rateLimit(opts.RateLimit))
		r.Get("/start", h.HandleTwitchOAuthStart)
		r.Get("/callback", h.HandleTwitchOAuthCallback)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(opts.Auth))
		r.Use(rateLimit(opts.RateLimit))
		r.Get("/status", h.HandleAdminStatus)
		r.Get("/chat/recent", h.HandleAdminRecentChat)
	})
	return r
}

// correlate injects a correlation ID and wraps the request in a span.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Service runs an HTTP server until its context is cancelled.
type Service struct {
	Addr    string
	Handler http.Handler
	// ShutdownTimeout bounds the graceful shutdown; default 5s.
	ShutdownTimeout time.Duration
	// OnShutdown runs when shutdown starts. Long-lived handlers such as the
	// event stream only return once these have released them.
	OnShutdown []func()
}

func (s *Service) String() string { return "http " + s.Addr }

// Serve runs the HTTP server and shuts down gracefully on context cancellation.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream holds responses open.
	}
	for _, f := range s.OnShutdown {
		srv.RegisterOnShutdown(f)
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("http server error", slog.Any("err", err))
		return err
	case <-ctx.Done():
	}
	// Use WithoutCancel to inherit context values but allow shutdown to complete
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", slog.Any("err", err))
		_ = srv.Close()
	}
	<-errCh
	return ctx.Err()
}
