package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestObserver учитывает обработанные запросы.
type RequestObserver interface {
	ObserveRequest(method, path string, status int, d time.Duration)
}

// Logger пишет в журнал каждый запрос и передаёт его длительность в observer.
// Путь берётся из шаблона маршрута chi, чтобы метки метрик не зависели от идентификаторов.
// Идентификатор запроса ставит chi middleware.RequestID, Logger возвращает его клиенту
// в заголовке и перехватывает панику сам, чтобы она попала в тот же журнал, что и запрос.
func Logger(logger *zap.Logger, observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := chimw.GetReqID(r.Context())
			if reqID != "" {
				w.Header().Set(chimw.RequestIDHeader, reqID)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", reqID),
					)
					if ww.Status() == 0 {
						http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				path := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					path = rctx.RoutePattern()
				}
				latency := time.Since(start)

				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", latency),
					zap.String("request_id", reqID),
				)
				if observer != nil {
					observer.ObserveRequest(r.Method, path, status, latency)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
