package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/tabular"
)

// ErrorResponse is the JSON body of every API error. Code is the support
// code from importer.MapError.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	switch {
	case errors.Is(err, importer.ErrInvalidSpec),
		errors.Is(err, importer.ErrUnknownProperty),
		errors.Is(err, tabular.ErrInvalidDialect),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrTooManyRuns):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err with the request id and writes its user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := importer.MapError(err)
	if errors.Is(err, errBadRequest) {
		msg = importer.UserMessage{
			Message: "The request is malformed",
			Action:  "Send a multipart form with a file and a spec",
			Code:    "REQ001",
		}
	}

	log := logging.FromContext(r.Context())
	if status >= 500 {
		log.Error("request error", "path", r.URL.Path, "status", status, "code", msg.Code, "error", err)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "status", status, "code", msg.Code, "error", err)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	resp := ErrorResponse{
		Error:     msg.Message,
		Message:   msg.Message,
		Action:    msg.Action,
		Code:      msg.Code,
		RequestID: middleware.GetReqID(r.Context()),
	}
	// Bad requests carry the validation detail.
	if status == http.StatusBadRequest {
		resp.Error = err.Error()
	}
	writeJSON(w, r, status, resp)
}

// writeJSON encodes v with status. Encoding errors are logged since the
// header is already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("json encode error", "error", err)
	}
}
