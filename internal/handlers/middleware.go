package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/snap-ask/internal/metrics"
	"github.com/tendant/snap-ask/pkg/pipeline"
)

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, pipeline.MsgMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// WithRecovery answers 500 when a handler panics. Deferred cleanups inside
// the handler have already run by the time the panic reaches here
func WithRecovery(log *zap.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww, ok := w.(*wrapWriter)
		if !ok {
			ww = &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		}
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic while handling request",
					zap.Any("panic", err),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				m.ObserveOutcome(metrics.OutcomeError)
				if !ww.wroteHeader {
					writeError(ww, http.StatusInternalServerError, "Internal server error")
				}
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

// WithLogging logs one line per request
func WithLogging(log *zap.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, pipeline.ErrorResponse{Error: message})
}
