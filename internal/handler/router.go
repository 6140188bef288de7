package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/util"
)

// NewRouter assembles the HTTP surface: landlord and tenant route groups
// under /auth, plus a health probe backed by a store ping.
func NewRouter(
	landlord *AuthHandler,
	tenant *TenantHandler,
	store *client.RedisClient,
	cfg *config.Config,
	logger *zap.Logger,
) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.HealthCheck(r.Context()); err != nil {
			logger.Error("health check failed", util.ErrorField(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","service":"auth-service"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"auth-service"}`))
	})

	router.Route("/auth", func(r chi.Router) {
		r.Route("/landlord", landlord.RegisterRoutes)
		r.Route("/tenant", tenant.RegisterRoutes)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

// LoggerMiddleware logs every request with its status and timing.
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				util.String("method", r.Method),
				util.String("path", r.URL.Path),
				util.String("remote_addr", r.RemoteAddr),
				util.String("request_id", middleware.GetReqID(r.Context())),
				util.Int("status", ww.Status()),
				util.Duration("duration", time.Since(startTime)),
				util.String("user_agent", r.UserAgent()),
			)
		})
	}
}
