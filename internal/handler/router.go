package handler

import (
	"context"
	"net/http"
	"time"

	"haven-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Authenticator wraps handlers that need a signed-in user.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type Routes struct {
	Onboarding *OnboardingHandler
	Webhooks   *WebhookHandler
	Admin      *AdminHandler
	Pages      *PageHandler
	Auth       Authenticator
	Health     HealthChecker

	AllowedOrigins []string
	RequireHTTPS   bool
}

// requireHTTPS rejects any request that wasn’t made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(routes Routes, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if routes.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   routes.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(routes.Health))

	// signature-verified, no session
	router.Post("/api/webhooks/clerk", routes.Webhooks.Clerk)

	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(routes.Auth.Middleware)
			r.Post("/onboarding", routes.Onboarding.Submit)
			r.Get("/me", routes.Onboarding.Me)
		})
		routes.Admin.RegisterRoutes(r)
	})

	router.Group(func(r chi.Router) {
		r.Use(routes.Auth.Middleware)
		r.Get("/dashboard", routes.Pages.Dashboard)
		r.Get("/onboarding", routes.Pages.Onboarding)
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Service: "haven-service"}
		status := http.StatusOK

		if checker != nil {
			resp.Checks = map[string]string{}
			for name, err := range checker.HealthCheck(r.Context()) {
				resp.Checks[name] = err.Error()
			}
			if len(resp.Checks) > 0 {
				resp.Status, status = "degraded", http.StatusServiceUnavailable
				util.Warn("Health check degraded", zap.Any("checks", resp.Checks))
			}
		}
		respondWithJSON(w, status, resp)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
