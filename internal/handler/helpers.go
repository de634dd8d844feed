package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]any) {
	var ctxMap map[string]any
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. Unknown fields are
// rejected and the body is closed after decoding.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed),
		errors.Is(err, service.ErrSessionInvalid),
		errors.Is(err, service.ErrKeyNotFound),
		errors.Is(err, service.ErrKeyExpired),
		errors.Is(err, service.ErrKeyRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrOutsideWorkingHours),
		errors.Is(err, service.ErrIPNotWhitelisted):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUsageLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrDuplicateUsername),
		errors.Is(err, service.ErrAmbiguousPrefix):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidAdminRequest),
		errors.Is(err, service.ErrInvalidKeyRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err with the status statusFor picks. Store
// failures are reported without their underlying driver message.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		msg = "Storage unavailable"
	case http.StatusInternalServerError:
		msg = "Internal error"
	}

	var ke *service.KeyError
	if !errors.As(err, &ke) {
		writeError(w, status, msg)
		return
	}

	detail := model.ErrorDetail{
		Code:    status,
		Message: msg,
		Reason:  service.ReasonCode(err),
	}
	if errors.Is(err, service.ErrOutsideWorkingHours) {
		detail.Context = map[string]any{
			"client_name":  ke.ClientName,
			"current_hour": ke.CurrentHour,
			"valid_hours":  ke.ValidHours,
		}
	}
	writeJSON(w, status, model.ErrorResponse{Error: detail})
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
