package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dmehra2102/marketplace-payments/pkg/idempotency"
)

// NewRouter mounts the payment routes. idem may be nil, which disables Idempotency-Key handling.
func NewRouter(log *slog.Logger, h *Handler, idem *idempotency.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", h.Health)

	r.Route("/payments", func(r chi.Router) {
		initiate := r.With()
		if idem != nil {
			initiate = r.With(idem.Middleware(log, HeaderUserID))
		}
		initiate.Post("/{method}", h.Initiate)

		r.Get("/{reference}", h.Get)
		r.Get("/{reference}/status", h.Status)
		r.Post("/{reference}/cancel", h.Cancel)
		r.Post("/{reference}/refund", h.Refund)
	})
	r.Post("/webhooks/{provider}", h.Webhook)

	return otelhttp.NewHandler(r, "payment-http")
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
