package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// AuthConfig holds admin credentials. Auth is off when nothing is set.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

func (c AuthConfig) enabled() bool {
	return (c.Username != "" && c.Password != "") || c.Token != ""
}

// loadAuthConfig reads auth configuration from environment variables
func loadAuthConfig() AuthConfig {
	cfg := AuthConfig{
		Username: os.Getenv("ADMIN_USERNAME"),
		Password: os.Getenv("ADMIN_PASSWORD"),
		Token:    os.Getenv("ADMIN_TOKEN"),
	}
	if !cfg.enabled() {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	return cfg
}

// adminAuth protects admin endpoints with Basic Auth or an X-Admin-Token header.
func adminAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth if not configured (dev mode)
			if !cfg.enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.Token != "" {
				token := r.Header.Get("X-Admin-Token")
				if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if cfg.Username != "" && cfg.Password != "" {
				if username, password, ok := r.BasicAuth(); ok {
					userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
					passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
					if userOK && passOK {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="chatrelay admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
		})
	}
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	Disabled bool
	Requests int
	Window   time.Duration
}

// loadRateLimitConfig reads rate limiter configuration from environment
func loadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Disabled: os.Getenv("RATE_LIMIT_ENABLED") == "0",
		Requests: parseInt(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP"), 10),
		Window:   time.Duration(parseInt(os.Getenv("RATE_LIMIT_WINDOW_SECONDS"), 60)) * time.Second,
	}
	return cfg
}

func rateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Disabled {
		return func(next http.Handler) http.Handler { return next }
	}
	n, window := cfg.Requests, cfg.Window
	if n <= 0 {
		n = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(n, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slog.Warn("rate limit exceeded", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}),
	)
}

// parseInt returns def for empty, malformed or non-positive input.
func parseInt(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
		return n
	}
	return def
}

// CORSConfig selects between allow-all and an origin allowlist.
type CORSConfig struct {
	Permissive     bool
	AllowedOrigins []string
}

// loadCORSConfig reads CORS configuration from environment
func loadCORSConfig() CORSConfig {
	// The event stream is public, so allow-all is the default.
	permissive := true
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		permissive = v == "1" || v == "true"
	}
	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if !permissive && len(origins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}
	return CORSConfig{Permissive: permissive, AllowedOrigins: origins}
}

func corsHandler(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if cfg.Permissive {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Last-Event-ID", "X-Admin-Token", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	})
}
