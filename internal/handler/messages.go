package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/session"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	sessions
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.SessionService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{sessions{svc: svc, logger: log}}
}

// openConversation checks that conversationID is the open conversation.
func openConversation(w http.ResponseWriter, sess *session.Session, conversationID string) bool {
	if active, _ := sess.Controller.Active(); active != conversationID {
		writeError(w, http.StatusConflict, "conversation is not open")
		return false
	}
	return true
}

// List handles GET /api/v1/conversations/{id}/messages
// Supports ?older=true to page further back first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok || !openConversation(w, sess, conversationID) {
		return
	}

	if older, _ := strconv.ParseBool(r.URL.Query().Get("older")); older {
		if _, err := sess.Controller.LoadOlder(r.Context()); err != nil {
			h.fail(w, r, "load_older", err)
			return
		}
	}

	st := sess.Controller.Status()
	messages := []model.MessageEntry{}
	if sess.Store.ConversationID() == conversationID {
		messages = sess.Store.Snapshot()
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		ConversationID: conversationID,
		State:          string(st.State),
		Messages:       messages,
		HasMore:        st.HasMore,
	})
}

// Send handles POST /api/v1/conversations/{id}/messages
// A failed write still answers 201 with the failed entry, so the client
// can offer a retry.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tempID, err := sess.Pipeline.Send(r.Context(), conversationID, req)
	if tempID == "" {
		h.fail(w, r, "send_message", err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse(sess, tempID, err))
}

// Retry handles POST /api/v1/pending/{tempID}/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	tempID := chi.URLParam(r, "tempID")

	err := sess.Pipeline.Retry(r.Context(), tempID)
	if errs.IsValidation(err) {
		h.fail(w, r, "retry_message", err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse(sess, tempID, err))
}

// Discard handles DELETE /api/v1/pending/{tempID}
func (h *MessageHandler) Discard(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	if err := sess.Pipeline.Discard(chi.URLParam(r, "tempID")); err != nil {
		h.fail(w, r, "discard_message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sendResponse(sess *session.Session, tempID string, err error) *model.SendMessageResponse {
	resp := &model.SendMessageResponse{TempID: tempID, Status: model.StatusConfirmed}
	if entry, ok := sess.Store.Entry(tempID); ok {
		resp.Status = entry.Status
		resp.Entry = &entry
	}
	if err != nil {
		resp.Status = model.StatusFailed
		resp.Error = err.Error()
	}
	return resp
}

// Edit handles PATCH /api/v1/messages/{id}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	var req model.EditMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.Pipeline.Edit(r.Context(), messageID, req.Content); err != nil {
		h.fail(w, r, "edit_message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	if err := sess.Pipeline.Delete(r.Context(), messageID); err != nil {
		h.fail(w, r, "delete_message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// React handles PUT /api/v1/messages/{id}/reactions/{type}
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	if err := sess.Pipeline.React(r.Context(), messageID, chi.URLParam(r, "type")); err != nil {
		h.fail(w, r, "add_reaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unreact handles DELETE /api/v1/messages/{id}/reactions/{type}
func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	if err := sess.Pipeline.Unreact(r.Context(), messageID, chi.URLParam(r, "type")); err != nil {
		h.fail(w, r, "remove_reaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
