package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/activitylog/internal/auth"
	httptransport "example.com/activitylog/internal/transport/http"
	"example.com/activitylog/pkg/activityapi"
)

// RouterConfig carries the cross-cutting pieces of the HTTP surface.
type RouterConfig struct {
	Auth        auth.Config
	Logger      *zap.Logger
	CORSOrigins []string
}

// NewRouter assembles the full HTTP surface: probes, metrics and the /activity routes.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httptransport.RequestLogger(logger, "/healthz", "/metrics"))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", activityapi.IdempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.NewMiddleware(cfg.Auth).Wrap)

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/activity", h.Routes())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, activityapi.ErrorNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, activityapi.ErrorMethodNotAllowed, "unsupported method")
	})
	return r
}
