package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every non-2xx exchange response. The device
// client decodes it back into an *apperrors.AppError.
type ErrorResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError renders err with the status of its code. Errors without a code
// are reported as internal without leaking their text.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	WriteErrorWithStatus(w, StatusFromCode(appErr.Code), appErr)
}

func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	WriteJSON(w, status, ErrorResponse{
		Success: false,
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	})
}

var statusByCode = map[apperrors.ErrorCode]int{
	apperrors.ErrCodeValidation:      http.StatusBadRequest,
	apperrors.ErrCodeInvalidInput:    http.StatusBadRequest,
	apperrors.ErrCodeMissingRequired: http.StatusBadRequest,
	apperrors.ErrCodeInvalidToken:    http.StatusBadRequest,

	apperrors.ErrCodeForbidden: http.StatusForbidden,
	apperrors.ErrCodeNotFound:  http.StatusNotFound,

	apperrors.ErrCodeAlreadyExists:  http.StatusConflict,
	apperrors.ErrCodeConflict:       http.StatusConflict,
	apperrors.ErrCodeAlreadyMatched: http.StatusConflict,
	apperrors.ErrCodeNotMatched:     http.StatusConflict,

	// Expired sessions are gone for good; clients stop polling on 410.
	apperrors.ErrCodeSessionExpired: http.StatusGone,

	apperrors.ErrCodeRateLimitExceeded: http.StatusTooManyRequests,
	apperrors.ErrCodeExternal:          http.StatusBadGateway,
	apperrors.ErrCodeStore:             http.StatusServiceUnavailable,
	apperrors.ErrCodeInternal:          http.StatusInternalServerError,
}

// StatusFromCode maps unknown codes to 500.
func StatusFromCode(code apperrors.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
