package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

const codeUnauthorized = "UNAUTHORIZED"

type errorResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	TraceID   string    `json:"traceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// statusForCode maps the error taxonomy onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeBusinessRule, domain.CodeProcessing:
		return http.StatusConflict
	case domain.CodeInsufficientFunds, domain.CodeFailed:
		return http.StatusUnprocessableEntity
	case domain.CodeRiskRejected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=warn component=api msg=\"response encode failed\" err=%v", err)
	}
}

// writeError renders err using its taxonomy code. Internal errors are logged
// and their detail is not leaked to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	message := err.Error()
	if code == domain.CodeInternal {
		log.Printf("level=error component=api msg=\"request failed\" method=%s path=%s trace_id=%s err=%v",
			r.Method, r.URL.Path, GetTraceID(r.Context()), err)
		message = "internal error"
	}
	writeJSON(w, statusForCode(code), errorResponse{
		Code:      code,
		Message:   message,
		TraceID:   GetTraceID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{
		Code:      codeUnauthorized,
		Message:   message,
		TraceID:   GetTraceID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}
