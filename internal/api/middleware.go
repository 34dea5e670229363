package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/humano-saude/funnel-api/internal/model"
	"github.com/humano-saude/funnel-api/internal/monitoring"
	"github.com/humano-saude/funnel-api/internal/store"
)

type contextKey string

const brokerKey contextKey = "broker"

// requestLogger logs every request with zap and records its duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		elapsed := time.Since(start)
		monitoring.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(elapsed.Seconds())
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// auth resolves the Bearer token to a broker session and stores the broker
// on the request context. Unknown and expired tokens get a 401.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		broker, err := s.store.GetBrokerByToken(r.Context(), token)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			zap.L().Error("session lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), brokerKey, broker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// brokerFromContext returns the authenticated broker set by auth.
func brokerFromContext(ctx context.Context) *model.Broker {
	broker, _ := ctx.Value(brokerKey).(*model.Broker)
	return broker
}
