package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/orchestrator"
)

const maxListLimit = 1000

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Locks != nil {
		active, err := s.deps.Locks.List(r.Context(), lock.Filter{Status: lock.StatusActive})
		if err != nil {
			s.logger.Error("healthz: failed to list locks", "error", err)
			resp.Status = "degraded"
		}
		resp.ActiveLocks = len(active)
	}
	if s.deps.Reaper != nil {
		st := s.deps.Reaper.Status()
		resp.Reaper = &st
		if st.LastError != "" {
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListLocks handles GET /locks.
func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locks == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lock registry unavailable")
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	recs, err := s.deps.Locks.List(r.Context(), lock.Filter{
		GroupID: q.Get("group_id"),
		Status:  lock.Status(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		s.logger.Error("failed to list locks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list locks")
		return
	}
	respondJSON(w, http.StatusOK, LocksResponse{Locks: nonNil(recs)})
}

// handleListExecutions handles GET /executions.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "execution log unavailable")
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	recs, err := s.deps.Executions.List(r.Context(), orchestrator.ExecutionFilter{
		ExecutionID: q.Get("execution_id"),
		Phase:       q.Get("phase"),
		GroupID:     q.Get("group_id"),
		Limit:       limit,
	})
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: nonNil(recs)})
}

// handleListAudit handles GET /audit.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := audit.ListFilter{Kind: audit.Kind(q.Get("kind")), Phase: q.Get("phase"), Limit: limit}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = since
	}
	entries, err := s.deps.Audit.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	respondJSON(w, http.StatusOK, AuditResponse{Entries: nonNil(entries)})
}

// handleListBuckets handles GET /ratelimits.
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Buckets == nil {
		s.writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	buckets, err := s.deps.Buckets.Buckets(r.Context())
	if err != nil {
		s.logger.Error("failed to list buckets", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list buckets")
		return
	}
	respondJSON(w, http.StatusOK, BucketsResponse{Buckets: nonNil(buckets)})
}

// handleScan handles POST /scan. It runs one deadlock scan immediately.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locks == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lock registry unavailable")
		return
	}
	report, err := s.deps.Locks.ScanForDeadlocks(r.Context())
	if err != nil {
		s.logger.Error("deadlock scan failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "deadlock scan failed")
		return
	}
	s.deps.Events.Publish("scan.manual", map[string]any{
		"scanned":   report.Scanned,
		"reclaimed": len(report.Reclaimed),
		"stale":     len(report.Stale),
	})
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Token != ""))
}

// limitParam parses ?limit=. It writes a 400 and returns false on bad input.
func (s *Server) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
