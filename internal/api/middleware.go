package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
)

// instrument logs each request, records its latency and traces it
func instrument(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := observability.StartSpan(r.Context(), "api."+method,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		observability.RequestProcessingSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusBadRequest {
			observability.ErrorsTotal.WithLabelValues(observability.ErrTypeRequest).Inc()
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		slog.Info("request",
			"method", method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
}
