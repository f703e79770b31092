package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the checker's aggregate report as JSON, returning 503 when
// the overall status is not healthy.
func (h *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := h.Report(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
}
