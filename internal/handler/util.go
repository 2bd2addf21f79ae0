package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/session"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// maxBodyBytes bounds request bodies; message content is capped well below.
const maxBodyBytes = 256 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, session.ErrClosed) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// sessions resolves the caller's running session.
type sessions struct {
	svc    *service.SessionService
	logger *logger.Logger
}

func (s sessions) current(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.svc.Get(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusConflict, "no active session")
		return nil, false
	}
	return sess, true
}

// fail writes err with the status its kind maps to. Unclassified errors
// are logged and hidden from the caller.
func (s sessions) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("op", op),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
