package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
)

func TestWriteError(t *testing.T) {
	t.Run("renders code, message and status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.SessionExpired())

		assert.Equal(t, http.StatusGone, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, apperrors.ErrCodeSessionExpired, body.Code)
		assert.Equal(t, "Exchange session has expired", body.Error)
	})

	t.Run("hides errors without a code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("dial tcp 10.0.0.3:6379: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "6379")
	})
}

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrCodeValidation, http.StatusBadRequest},
		{apperrors.ErrCodeInvalidToken, http.StatusBadRequest},
		{apperrors.ErrCodeForbidden, http.StatusForbidden},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeAlreadyMatched, http.StatusConflict},
		{apperrors.ErrCodeNotMatched, http.StatusConflict},
		{apperrors.ErrCodeSessionExpired, http.StatusGone},
		{apperrors.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{apperrors.ErrCodeExternal, http.StatusBadGateway},
		{apperrors.ErrCodeStore, http.StatusServiceUnavailable},
		{"SOMETHING_NEW", http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, StatusFromCode(tc.code))
		})
	}
}
