package signing

import (
	"net/http"
	"net/url"
)

// Verifier checks inbound gateway messages against the shared secret.
type Verifier struct {
	Secret Secret
}

// NewVerifier returns a Verifier keyed by secret.
func NewVerifier(secret Secret) Verifier {
	return Verifier{Secret: secret}
}

// Redirect validates a browser redirect. Redirects without prefixed fields or
// without a signature parameter are never valid.
func (v Verifier) Redirect(query url.Values) bool {
	candidate := query.Get(SignatureKey)
	if candidate == "" || len(v.Secret) == 0 {
		return false
	}
	canonical, err := Redirect(FromQuery(query))
	if err != nil {
		return false
	}
	return Verify(candidate, canonical, v.Secret)
}

// Callback validates a header-signed callback over the exact raw body bytes.
func (v Verifier) Callback(header http.Header, rawBody []byte) bool {
	candidate := header.Get(SignatureKey)
	if candidate == "" || len(v.Secret) == 0 {
		return false
	}
	return Verify(candidate, Callback(FromHeader(header, rawBody)), v.Secret)
}

// QueryFallback validates a callback that arrived over GET with its signature in
// the query string.
func (v Verifier) QueryFallback(query url.Values) bool {
	candidate := query.Get(SignatureKey)
	if candidate == "" || len(v.Secret) == 0 {
		return false
	}
	return Verify(candidate, QueryFallback(FromQuery(query)), v.Secret)
}
