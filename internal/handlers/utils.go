package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/logging"
	"github.com/rockola/backend/internal/models"
)

// writeJSON serializes data as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a plain error response for simple client errors.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}

// writeAppError maps a service error to an HTTP response. Structured errors
// carry their code and client-safe message; anything else becomes a 500 with
// the cause logged.
func writeAppError(ctx context.Context, w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal("internal server error", err)
	}

	status := statusForCode(appErr.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   appErr.Message,
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})

	// 401/403 are covered by security event logging
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return
	}
	if status >= 500 {
		logging.LogErrorWithStatus(ctx, status, "error response", logging.WrapError(err, appErr.Message))
	}
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict, apperr.CodeStaleRequest:
		return http.StatusConflict
	case apperr.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case apperr.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorWithCause writes an error response and logs the error with stack trace.
func writeErrorWithCause(ctx context.Context, w http.ResponseWriter, status int, message string, err error) {
	writeError(w, status, message)

	if status >= 400 && err != nil {
		wrappedErr := logging.WrapError(err, message)
		logging.LogErrorWithStatus(ctx, status, "error response", wrappedErr)
	}
}
