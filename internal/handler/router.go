package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
	"github.com/boddenberg/salescoach-bfa-go/internal/service"
	"github.com/boddenberg/salescoach-bfa-go/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// healthProbePath is read on every health check; it need not exist.
const healthProbePath = "health/probe"

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(sessions *session.Manager, members *service.MemberService, auth port.Authenticator, store port.RemoteStore, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(store, sessions, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		// Public auth endpoints
		r.Post("/auth/sign-in", signInHandler(auth, logger))
		r.Post("/auth/reset-link", resetLinkHandler(auth, logger))
		r.Post("/auth/reset-password", resetPasswordHandler(auth, logger))

		r.Get("/metrics/sync", syncMetricsHandler(metrics))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(auth, logger))

			r.Post("/auth/sign-out", signOutHandler(auth, sessions, logger))

			// Orchestrated session
			r.Get("/session/state", sessionStateHandler(sessions, logger))
			r.Get("/session/stream", sessionStreamHandler(sessions, logger))

			// Hierarchy
			r.Get("/hierarchy", hierarchyHandler(members, logger))

			// Members
			r.Post("/members", addMemberHandler(members, logger))
			r.Route("/members/{uid}", func(r chi.Router) {
				r.Get("/hierarchy", hierarchyHandler(members, logger))
				r.Get("/superior", superiorHandler(members, logger))
				r.Post("/approve", approveMemberHandler(members, logger))
				r.Patch("/role", changeRoleHandler(members, logger))
				r.Patch("/branch", reassignBranchHandler(members, logger))
				r.Patch("/email", renameEmailHandler(members, logger))
				r.Delete("/", deleteMemberHandler(members, logger))
			})

			// Licenses
			r.Get("/licenses", licensePoolHandler(members, logger))
			r.Post("/licenses/purchase", adjustLicensesHandler(members.PurchaseLicenses, "purchase", logger))
			r.Post("/licenses/decrease", adjustLicensesHandler(members.DecreaseLicenses, "decrease", logger))

			// Sales
			r.Post("/sales", recordSaleHandler(members, logger))
		})
	})

	return r
}

// ============================================================
// Probes
// ============================================================

func healthzHandler(store port.RemoteStore, sessions *session.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		start := time.Now()
		storeStatus := "healthy"
		_, err := store.Get(ctx, healthProbePath)
		var nf *domain.ErrNotFound
		if err != nil && !errors.As(err, &nf) {
			logger.Warn("health: store check failed", zap.Error(err))
			storeStatus = "unhealthy"
		}

		status := domain.HealthStatus{
			Status: "healthy",
			Services: []domain.ServiceHealth{{
				Name:        "store",
				Status:      storeStatus,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: time.Now().UTC().Format(time.RFC3339),
			}},
			Sessions: sessions.Len(),
		}
		code := http.StatusOK
		if storeStatus != "healthy" {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func syncMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetSyncSnapshot())
	}
}

// callerID returns the authenticated uid; JWTAuthMiddleware guarantees it.
func callerID(r *http.Request) string {
	id, _ := IdentityFromContext(r.Context())
	return id.UID
}
