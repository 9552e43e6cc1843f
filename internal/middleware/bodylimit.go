package middleware

import (
	"net/http"

	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/httputil"
)

// DefaultMaxBodySize fits any exchange request with room to spare; a hit is
// well under 200 bytes.
const DefaultMaxBodySize int64 = 16 << 10

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

// Handler rejects bodies that declare an oversize length up front and caps
// the rest while the handler reads them.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > m.maxSize {
			httputil.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge,
				apperrors.ValidationError("Request body too large").
					WithDetails(map[string]int64{"maxBytes": m.maxSize}))
			return
		}

		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		}
		next.ServeHTTP(w, r)
	})
}
