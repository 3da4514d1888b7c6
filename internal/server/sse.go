package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildhost/internal/loghub"
)

// heartbeatEvery is how many idle consume ticks pass between heartbeat
// frames sent to the client (ticks default to one second).
const heartbeatEvery = 30

type sseFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, frame sseFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	flusher.Flush()
}

// handleLogStream serves the live build log as server-sent events. Finished
// runs get a completion frame immediately; the full log lives in the run
// history endpoint.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task")
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run number")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Accel-Buffering", "no")

	run, err := s.store.GetRun(r.Context(), taskID, number)
	if err != nil {
		writeSSE(w, flusher, "message", sseFrame{Type: "error", Message: fmt.Sprintf("run %s#%d not found", taskID, number)})
		return
	}

	writeSSE(w, flusher, "message", sseFrame{Type: "connection_established", Message: "connected, streaming build log"})

	if run.Status.Terminal() {
		writeSSE(w, flusher, "message", sseFrame{
			Type:    "build_complete",
			Status:  string(run.Status),
			Message: fmt.Sprintf("build already finished with status %s; fetch the full log from the run history", run.Status),
		})
		return
	}

	key := loghub.Key{TaskID: taskID, RunNumber: number}
	subscriberID := uuid.NewString()
	s.hub.Subscribe(key, subscriberID)
	events, err := s.hub.Consume(key, subscriberID)
	if err != nil {
		s.hub.Unsubscribe(key, subscriberID)
		writeSSE(w, flusher, "message", sseFrame{Type: "error", Message: "log stream unavailable"})
		return
	}
	defer s.hub.Unsubscribe(key, subscriberID)

	idleTicks := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case loghub.EventHeartbeat:
				idleTicks++
				if idleTicks >= heartbeatEvery {
					writeSSE(w, flusher, "heartbeat", sseFrame{Type: "heartbeat", Timestamp: time.Now().Unix()})
					idleTicks = 0
				}
			case loghub.EventLine:
				idleTicks = 0
				writeSSE(w, flusher, "message", sseFrame{Type: "build_log", Message: ev.Line.Text})
			case loghub.EventComplete:
				writeSSE(w, flusher, "message", sseFrame{
					Type:    "build_complete",
					Status:  string(ev.FinalStatus),
					Message: fmt.Sprintf("build finished with status %s", ev.FinalStatus),
				})
				return
			}
		}
	}
}
