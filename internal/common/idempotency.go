package common

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem provides an Idempotency-Key middleware backed by Redis. A repeated key
// within TTL is rejected with 409 so a retried client cannot open a second
// payment for the same checkout. Keys of failed (4xx or 5xx) requests are
// released.
type Idem struct {
	R   redis.Cmdable
	TTL time.Duration
}

func idemKey(key string) string {
	return "paytrail:idem:" + Sha256Hex([]byte(key))
}

// Middleware enforces idempotency semantics for write endpoints. Requests
// without the header, or without a configured store, pass through.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		key := idemKey(header)
		ok, err := i.R.SetNX(r.Context(), key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusBadRequest {
			// nothing was created; the client may retry with the same key
			_ = i.R.Del(context.WithoutCancel(r.Context()), key).Err()
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
