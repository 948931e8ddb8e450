package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/yegors/voicejournal/internal/metrics"
	"github.com/yegors/voicejournal/pkg/logger"
)

// Router wires the HTTP routes
type Router struct {
	handler        *Handler
	users          Authenticator
	metrics        *metrics.Metrics
	metricsPath    string
	allowedOrigins []string
	logger         *logger.Logger
}

// RouterConfig holds router options. Metrics may be nil to disable /metrics.
type RouterConfig struct {
	Users          Authenticator
	Metrics        *metrics.Metrics
	MetricsPath    string
	AllowedOrigins []string
}

// NewRouter creates a new router
func NewRouter(handler *Handler, cfg RouterConfig, log *logger.Logger) *Router {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Router{
		handler:        handler,
		users:          cfg.Users,
		metrics:        cfg.Metrics,
		metricsPath:    cfg.MetricsPath,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         log.Named("router"),
	}
}

// Routes returns the root handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(rt.requestLogging)
	r.Use(middleware.Recoverer)
	// An empty origin list means same-origin only; cors.Options would read it as "*"
	if len(rt.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: rt.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	if rt.metrics != nil {
		r.Method(http.MethodGet, rt.metricsPath, rt.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser(rt.users, rt.logger))

		r.Get("/ws", rt.handler.HandleWebSocket)
		r.Route("/reflections", func(r chi.Router) {
			r.Get("/", rt.handler.ListReflections)
			r.Post("/", rt.handler.CreateReflection)
			r.Get("/{id}", rt.handler.GetReflection)
		})
	})

	return r
}

type requestLoggerKey struct{}

// requestLogger returns the request-scoped logger, or fallback
func requestLogger(r *http.Request, fallback *logger.Logger) *logger.Logger {
	if l, ok := r.Context().Value(requestLoggerKey{}).(*logger.Logger); ok {
		return l
	}
	return fallback
}

// requestLogging tags each request with an id and logs it when done
func (rt *Router) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		log := rt.handler.logger.With(
			logger.String("req_id", reqID),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.String("remote_ip", r.RemoteAddr))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		ctx := context.WithValue(r.Context(), requestLoggerKey{}, log)
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.Debug("Request handled",
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)))
	})
}
