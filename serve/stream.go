package serve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/buffer"
)

const streamHeartbeat = 30 * time.Second

// handleStreamRun streams a run's response items as Server-Sent Events:
// replay the buffer, then follow the run's notification topics until a
// terminal item or control signal arrives. Any viewer sees items in
// buffer order; viewers that join late see a contiguous suffix.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	send := func(payload string) {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	sendStatus := func(status string) {
		data, _ := json.Marshal(map[string]string{"type": "status", "status": status})
		send(string(data))
	}

	listKey := relay.ResponseListKey(runID)

	// 1. Replay everything already buffered.
	lastIndex := int64(-1)
	initial, err := s.broker.Range(ctx, listKey, 0, -1)
	if err != nil {
		sendStatus("error")
		return
	}
	for _, raw := range initial {
		send(raw)
	}
	lastIndex = int64(len(initial)) - 1

	// 2. A finished run has nothing more to say.
	if run.Status.Terminal() {
		sendStatus("completed")
		return
	}

	// 3. Follow the notification topics.
	newSub, err := s.broker.Subscribe(ctx, relay.ResponseChannel(runID))
	if err != nil {
		sendStatus("error")
		return
	}
	defer closeSub(newSub, runID)

	controlSub, err := s.broker.Subscribe(ctx, relay.ControlChannel(runID))
	if err != nil {
		sendStatus("error")
		return
	}
	defer closeSub(controlSub, runID)

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()

		case _, ok := <-newSub.Messages():
			if !ok {
				sendStatus("error")
				return
			}
			// The notification is a trigger only; truth is the list.
			fresh, err := s.broker.Range(ctx, listKey, lastIndex+1, -1)
			if err != nil {
				sendStatus("error")
				return
			}
			terminal := false
			for _, raw := range fresh {
				send(raw)
				lastIndex++
				if itemIsTerminal(raw) {
					terminal = true
					break
				}
			}
			if terminal {
				return
			}

		case msg, ok := <-controlSub.Messages():
			if !ok {
				sendStatus("error")
				return
			}
			switch msg {
			case relay.ControlStop, relay.ControlEndStream, relay.ControlError:
				slog.Debug("serve: stream control signal", "run_id", runID, "signal", msg)
				sendStatus(msg)
				return
			}
		}
	}
}

// itemIsTerminal reports whether a buffered item ends the stream: a
// thread_run_end or an error status. A finish item does not end it.
func itemIsTerminal(raw string) bool {
	var item relay.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return false
	}
	switch item.StatusType() {
	case relay.StatusThreadRunEnd, relay.StatusError:
		return true
	}
	return false
}

func closeSub(sub buffer.Subscription, runID string) {
	if err := sub.Close(); err != nil {
		slog.Debug("serve: close subscription", "run_id", runID, "error", err)
	}
}
