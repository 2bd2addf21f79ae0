package handler

import (
	"net/http"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// SessionHandler handles login and logout of the messaging session.
type SessionHandler struct {
	sessions
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.SessionService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{sessions{svc: svc, logger: log}}
}

type sessionResponse struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Conversations int    `json:"conversations"`
	TotalUnread   int    `json:"total_unread"`
}

// Start handles POST /api/v1/session
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sess, err := h.svc.Start(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "start_session", err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		Conversations: sess.Directory.Len(),
		TotalUnread:   sess.Directory.TotalUnread(),
	})
}

// End handles DELETE /api/v1/session
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Stop(middleware.GetUserID(r.Context())) {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
