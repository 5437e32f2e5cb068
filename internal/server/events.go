package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/blinktest/blinktest/internal/store"
)

const eventsHeartbeat = 25 * time.Second

// handleEvents streams newly stored responses for a test as server-sent
// events named "response".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := s.store.GetTest(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "test not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load test")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel, err := s.broker.Subscribe(ctx, id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("test_id", id).Msg("failed to subscribe")
		writeJSONError(w, http.StatusBadGateway, "live updates unavailable")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := s.clock.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: response\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.Chan():
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
