package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"partyboard/internal/coordinator"
	"partyboard/internal/session"
)

// API-level request errors
var (
	ErrMissingIdentity = errors.New("X-User-ID header is required")
	ErrInvalidIdentity = errors.New("X-User-ID or X-User-Name is malformed")
	ErrInvalidJSON     = errors.New("invalid JSON body")
	ErrInvalidQuery    = errors.New("invalid query parameter")
)

// retryAfter is suggested to clients on conflict and unavailable answers.
const retryAfter = time.Second

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Reason is the rejection reason for 400/403 answers to operations.
	Reason string `json:"reason,omitempty"`
	// Class is the coordinator error class.
	Class string `json:"class,omitempty"`
}

// statusFor maps a coordinator error to an HTTP status and response body.
func statusFor(err error) (int, ErrorResponse) {
	class := coordinator.Classify(err)
	resp := ErrorResponse{Message: err.Error(), Class: class.String()}
	if reason, ok := session.AsRejected(err); ok {
		resp.Reason = string(reason)
	}

	code := http.StatusInternalServerError
	switch class {
	case coordinator.ClassInvalid, coordinator.ClassRejected:
		code = http.StatusBadRequest
	case coordinator.ClassForbidden:
		code = http.StatusForbidden
	case coordinator.ClassNotFound:
		code = http.StatusNotFound
	case coordinator.ClassConflict, coordinator.ClassUnavailable:
		code = http.StatusServiceUnavailable
	case coordinator.ClassInternal:
		// Internal details stay in the log.
		resp.Message = "internal error"
	}
	resp.Error = http.StatusText(code)
	resp.Code = code
	return code, resp
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
