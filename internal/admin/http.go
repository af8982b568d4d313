package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NewHTTPHandler wires Surface onto a plain net/http.ServeMux under
// /admin/recovery/..., mirroring the original operator routes
// (list stuck, force resume/complete/fail, run info, dashboard, health,
// metrics, sweep, flush). Authentication is intentionally absent: the
// caller is expected to put this behind whatever auth middleware or
// network boundary the deployment already uses.
func NewHTTPHandler(s Surface) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/recovery/stuck", func(w http.ResponseWriter, r *http.Request) {
		minAge := 5 * time.Second
		if v := r.URL.Query().Get("min_age"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				minAge = time.Duration(n) * time.Second
			}
		}
		stuck, err := s.ListStuck(r.Context(), minAge)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stuck)
	})

	mux.HandleFunc("POST /admin/recovery/resume/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.ForceResume(r.Context(), r.PathValue("run_id")))
	})

	mux.HandleFunc("POST /admin/recovery/complete/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "admin"
		}
		writeJSON(w, http.StatusOK, s.ForceComplete(r.Context(), r.PathValue("run_id"), reason))
	})

	mux.HandleFunc("POST /admin/recovery/fail/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Error string `json:"error"`
		}
		body.Error = "Admin terminated"
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, s.ForceFail(r.Context(), r.PathValue("run_id"), body.Error))
	})

	mux.HandleFunc("GET /admin/recovery/run/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		info, found, err := s.GetRunInfo(r.Context(), r.PathValue("run_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "run "+r.PathValue("run_id")+" not found")
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	mux.HandleFunc("GET /admin/recovery/dashboard", func(w http.ResponseWriter, r *http.Request) {
		dash, err := s.Dashboard(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, dash)
	})

	mux.HandleFunc("GET /admin/recovery/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Health(r.Context()))
	})

	mux.HandleFunc("GET /admin/recovery/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(s.Metrics(r.Context())))
	})

	mux.HandleFunc("POST /admin/recovery/sweep", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Sweep(r.Context()))
	})

	mux.HandleFunc("POST /admin/recovery/flush", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.FlushAll(r.Context()))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": strings.TrimSpace(msg)})
}
