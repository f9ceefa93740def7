package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
)

// Duration records the latency of every request by method and status.
func Duration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPDurationMs.
			WithLabelValues(r.Method, strconv.Itoa(status)).
			Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}
