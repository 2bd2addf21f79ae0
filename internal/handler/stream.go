package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/notify"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// StreamHandler streams store-change notifications over SSE.
type StreamHandler struct {
	sessions
	heartbeat time.Duration
	buffer    int
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.SessionService, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		sessions:  sessions{svc: svc, logger: log},
		heartbeat: heartbeat,
		buffer:    256,
	}
}

// ConnectedEvent is the first event of a stream.
type ConnectedEvent struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	State          string `json:"state"`
}

// Stream handles GET /api/v1/stream
// Each event names what changed; clients re-read the affected resource.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	changes, cancel := sess.Subscribe(h.buffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	st := sess.Controller.Status()
	sendSSEEvent(w, flusher, "connected", &ConnectedEvent{
		SessionID:      sess.ID,
		ConversationID: st.ConversationID,
		State:          string(st.State),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sess.ID))
			return

		case c, open := <-changes:
			if !open {
				sendSSEEvent(w, flusher, string(notify.KindSession), notify.Change{
					Kind:   notify.KindSession,
					Detail: "closed",
					At:     time.Now(),
				})
				return
			}
			if err := sendSSEEvent(w, flusher, string(c.Kind), c); err != nil {
				h.logger.Warn("failed to write SSE event", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
