// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/directory"
	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.SessionService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{sessions{svc: svc, logger: log}}
}

// List handles GET /api/v1/conversations
// Supports ?kind=direct,group&q=text&refresh=true
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	var f directory.Filter
	if kinds := r.URL.Query().Get("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			kind := model.ConversationKind(strings.TrimSpace(k))
			if !kind.Valid() {
				writeError(w, http.StatusBadRequest, "unknown conversation type "+strconv.Quote(string(kind)))
				return
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}
	f.Search = r.URL.Query().Get("q")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	convs, err := sess.Conversations(r.Context(), f, refresh)
	if err != nil {
		h.fail(w, r, "list_conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	})
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	var req model.CreateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := sess.CreateConversation(r.Context(), req)
	if err != nil {
		h.fail(w, r, "create_conversation", err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	conv, found := sess.Directory.Get(conversationID)
	if !found {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Participants handles GET /api/v1/conversations/{id}/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	participants, err := sess.Participants(r.Context(), conversationID)
	if err != nil {
		h.fail(w, r, "fetch_participants", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participants": participants,
	})
}

// Open handles PUT /api/v1/conversations/{id}/open
// With ?wait=true the response is sent once the newest page has loaded.
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	done, err := sess.Controller.Select(conversationID)
	if err != nil {
		h.fail(w, r, "select_conversation", err)
		return
	}

	status := http.StatusAccepted
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		select {
		case <-done:
			status = http.StatusOK
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, status, sess.Controller.Status())
}

// Leave handles DELETE /api/v1/conversations/active
func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	sess.Controller.Leave()
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	if active, _ := sess.Controller.Active(); active != conversationID {
		writeError(w, http.StatusConflict, "conversation is not open")
		return
	}
	if err := sess.Controller.MarkRead(); err != nil {
		h.fail(w, r, "mark_read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID reads and validates a URL parameter.
func pathID(w http.ResponseWriter, r *http.Request, param, kind string) (string, bool) {
	id := chi.URLParam(r, param)
	if err := middleware.ValidateID(kind, id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
