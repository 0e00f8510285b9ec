package web

import (
	"encoding/json"
	"net/http"
)

// httpStatus переводит код ошибки модуля в HTTP-статус.
func httpStatus(code string) int {
	switch code {
	case "invalid_argument", "bad_arguments", "bad_command", "unknown_command", "trip_in_progress", "invalid_json":
		return http.StatusBadRequest
	case "permission_denied":
		return http.StatusConflict
	case "not_found", "module_not_found":
		return http.StatusNotFound
	case "access_denied":
		return http.StatusForbidden
	case "rate_limited":
		return http.StatusTooManyRequests
	case "request_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case "access_denied":
		return "access denied"
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "rate_limited":
		return "too many requests"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFromContext(r.Context()))
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
