package billing

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/symptomkit/symptomkit/pkg/ratelimit"
)

// JSONResponse is the standard response envelope.
type JSONResponse struct {
	Code  string         `json:"code,omitempty"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondData(w http.ResponseWriter, code string, data any) {
	writeJSON(w, http.StatusOK, JSONResponse{Code: code, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, JSONResponse{
		Code:  code,
		Error: &ErrorDetail{Code: code, Message: message},
	})
}

// RateLimitExceeded writes the module's JSON envelope for a rejected
// request, with a Retry-After hint taken from the limiter result.
func RateLimitExceeded(w http.ResponseWriter, r *http.Request, result *ratelimit.Result) {
	retryAfter := result.RetryAfter()
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	secs := int(retryAfter.Round(time.Second) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, JSONResponse{
		Code:  "rate_limited",
		Meta:  map[string]any{"retry_after": secs},
		Error: &ErrorDetail{Code: "rate_limited", Message: "too many requests"},
	})
}
