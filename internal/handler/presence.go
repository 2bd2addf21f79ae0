package handler

import (
	"net/http"
	"strings"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// PresenceHandler handles presence, typing and user lookups.
type PresenceHandler struct {
	sessions
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(svc *service.SessionService, log *logger.Logger) *PresenceHandler {
	return &PresenceHandler{sessions{svc: svc, logger: log}}
}

// Get handles GET /api/v1/presence?user_id=u1&user_id=u2
// Comma separated lists are accepted too.
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	ids, err := middleware.ParseIDs("user", strings.Join(r.URL.Query()["user_id"], ","))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	statuses, err := sess.PresenceOf(r.Context(), ids)
	if err != nil {
		h.fail(w, r, "fetch_presence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"presence": statuses,
	})
}

// Update handles PUT /api/v1/presence
func (h *PresenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	var req model.UpdatePresenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.Heartbeat.SetStatus(r.Context(), req); err != nil {
		h.fail(w, r, "update_presence", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Typing handles GET /api/v1/conversations/{id}/typing
func (h *PresenceHandler) Typing(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"typing": sess.Typing.Active(conversationID),
	})
}

// StartTyping handles POST /api/v1/conversations/{id}/typing
// Calls inside the debounce window are accepted without a backend write.
func (h *PresenceHandler) StartTyping(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	sent, err := sess.Typing.Notify(r.Context(), conversationID)
	if err != nil {
		h.fail(w, r, "notify_typing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

// StopTyping handles DELETE /api/v1/conversations/{id}/typing
func (h *PresenceHandler) StopTyping(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	if err := sess.Typing.Stop(r.Context(), conversationID); err != nil {
		h.fail(w, r, "stop_typing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Users handles GET /api/v1/users?ids=u1,u2
func (h *PresenceHandler) Users(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	ids, err := middleware.ParseIDs("user", r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := sess.Users(r.Context(), ids)
	if err != nil {
		h.fail(w, r, "get_users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
	})
}
