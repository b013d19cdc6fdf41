package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/types"
)

// @Title: Get Health
// @Route: GET /api/health
// @Description: Returns server health status
// @Response: {"status": "ok"}
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// @Title: Get Version
// @Route: GET /api/version
// @Description: Returns NTM version, deployment role and, on activated nodes, the node's server id
// @Response: {"version": "...", "status": "ok", "role": "...", "id": "..."}
func (s *Service) HandleVersion(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	response := map[string]string{
		"version":  types.Version,
		"status":   "ok",
		"role":     string(s.role),
		"hostname": hostname,
		"go_ver":   runtime.Version(),
		"os_arch":  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	if s.claimant != nil {
		if creds, err := s.claimant.Current(); err == nil && creds != nil {
			response["id"] = creds.ExternalID
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// @Title: Recent Logs
// @Route: GET /api/logs?limit=
// @Description: Returns recent log messages, newest first. Secrets and keys are never logged
// @Response: [{"seq": 1, "timestamp": "...", "text": "...", "level": "info"}, ...]
func (s *Service) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, apierr.New(apierr.KindInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.ring.GetRecent(limit))
}
