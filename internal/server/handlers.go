package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/blinktest/blinktest/internal/auth"
	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
)

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	ActiveFlows   int    `json:"active_flows"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tests, err := s.store.ListTests(ctx, store.TestFilter{})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
		writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}

	// Get database size
	var dbSize int64
	row := s.store.DB().QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&dbSize); err != nil {
		if info, statErr := os.Stat(s.store.Path()); statErr == nil {
			dbSize = info.Size()
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		ActiveFlows:   s.registry.Len(),
		DBSizeBytes:   dbSize,
		UptimeSeconds: int64(s.clock.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(r.URL.Path) {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	s.renderMessage(w, r, http.StatusNotFound, "Page not found", "We couldn't find what you were looking for.")
}

func isAPIPath(p string) bool {
	return strings.HasPrefix(p, "/api/")
}

type errorResponse struct {
	Error    string         `json:"error"`
	Snapshot *flow.Snapshot `json:"snapshot,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// errorStatus maps domain errors to HTTP status codes. Anything unknown is
// treated as a failed call to a backing service.
func errorStatus(err error) int {
	switch {
	case capture.IsValidation(err), auth.IsValidation(err),
		errors.Is(err, thumbnail.ErrNotImage), errors.Is(err, thumbnail.ErrTooLarge),
		errors.Is(err, flow.ErrNoImage), errors.Is(err, flow.ErrInvalidChannel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, flow.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, flow.ErrOwnTest):
		return http.StatusForbidden
	case errors.Is(err, flow.ErrInvalidTransition), errors.Is(err, flow.ErrFlashShowing),
		errors.Is(err, flow.ErrPublishInFlight),
		errors.Is(err, flow.ErrSubmitInFlight), errors.Is(err, flow.ErrAlreadyResponded),
		errors.Is(err, store.ErrInvalidStatus):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// writeFlowError reports err along with the flow's current state so the
// client can redraw without a second request.
func writeFlowError(w http.ResponseWriter, r *http.Request, f flow.Flow, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusBadGateway {
		hlog.FromRequest(r).Error().Err(err).Str("flow_id", f.ID()).Msg("flow action failed")
		msg = "Something went wrong. Please try again."
	}
	snap := f.Snapshot()
	if snap.Error != "" && status == http.StatusBadGateway {
		msg = snap.Error
	}
	writeJSON(w, status, errorResponse{Error: msg, Snapshot: &snap})
}
