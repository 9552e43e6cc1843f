package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON reads a request body into dst, reporting malformed or oversize
// bodies as validation errors.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.ValidationError("Request body too large").WithCause(err)
	}
	return apperrors.ValidationError("Invalid JSON body").WithCause(err)
}
