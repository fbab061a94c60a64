package security

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

type rawBodyKey struct{}

// RawBody reads the request body exactly once, before any handler or parser
// touches it, and stores the unmodified bytes on the request context. The body
// is then replayed to downstream handlers. Payloads larger than Max are
// rejected with HTTP 413.
type RawBody struct {
	Max int64
}

// Middleware captures the body. It must be mounted ahead of anything that
// decodes the request.
func (b RawBody) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r.WithContext(WithRawBody(r.Context(), []byte{})))
			return
		}
		if b.Max > 0 && r.ContentLength > b.Max {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}

		var reader io.Reader = r.Body
		if b.Max > 0 {
			reader = io.LimitReader(r.Body, b.Max+1)
		}
		buf, err := io.ReadAll(reader)
		if err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if b.Max > 0 && int64(len(buf)) > b.Max {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		_ = r.Body.Close()

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r.WithContext(WithRawBody(r.Context(), buf)))
	})
}

// WithRawBody stores captured body bytes on ctx.
func WithRawBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, rawBodyKey{}, body)
}

// RawBodyFromContext returns the bytes captured by RawBody. The second result
// is false when the middleware did not run for this request.
func RawBodyFromContext(ctx context.Context) ([]byte, bool) {
	body, ok := ctx.Value(rawBodyKey{}).([]byte)
	return body, ok
}
