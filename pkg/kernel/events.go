package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/labrunner/internal/core/services"
)

const sseKeepAlive = 15 * time.Second

// handleJobEvents streams status, progress and log events of one job as
// server-sent events. The stream ends after the terminal status event, or
// at the first keep-alive that finds the job terminal.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bindJobID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so no transition falls in between.
	ch, unsub := s.subscribe(id)
	defer unsub()

	status, err := s.orch.GetJobStatus(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot := services.Event{JobID: id, Type: services.EventTypeStatus, Status: status, Timestamp: time.Now()}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()
	if snapshot.Terminal() {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if current, err := s.orch.GetJobStatus(id); err == nil && current.State.IsTerminal() {
				final := services.Event{JobID: id, Type: services.EventTypeStatus, Status: current, Timestamp: time.Now()}
				if err := writeEvent(w, final); err == nil {
					flusher.Flush()
				}
				return
			}
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Warn("failed to write event", "job_id", id, "error", err)
				return
			}
			flusher.Flush()
			if evt.Type == services.EventTypeStatus && evt.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt services.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}
