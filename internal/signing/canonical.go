package signing

import (
	"errors"
	"strings"
)

// ErrNoSignedFields is returned when a redirect carries no prefixed field; such
// a payload is untrusted whatever signature accompanies it.
var ErrNoSignedFields = errors.New("signing: no checkout fields to sign")

// Outbound builds the canonical string of a merchant request: every header as
// key:value sorted by key, newline separated, a trailing newline, then the body
// bytes exactly as they will be transmitted.
func Outbound(headers map[string]string, body []byte) string {
	var b strings.Builder
	for _, k := range sortedKeys(headers) {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(headers[k])
		b.WriteByte('\n')
	}
	b.Write(body)
	return b.String()
}

// Redirect builds the canonical string of a browser redirect: key:value lines
// of the prefixed query fields with one trailing newline and no body.
func Redirect(p Payload) (string, error) {
	if p.Empty() {
		return "", ErrNoSignedFields
	}
	var b strings.Builder
	for _, k := range sortedKeys(p.Fields) {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(p.Fields[k])
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Callback builds the canonical string of a header-signed callback: the values
// of the prefixed headers in key order, directly adjacent, followed by the raw
// body as received on the wire.
func Callback(p Payload) string {
	var b strings.Builder
	for _, k := range sortedKeys(p.Fields) {
		b.WriteString(p.Fields[k])
	}
	b.Write(p.Body)
	return b.String()
}

// QueryFallback builds the canonical string of a callback delivered over GET:
// prefixed query values in key order joined by newlines, without a trailing
// newline and without a body.
func QueryFallback(p Payload) string {
	keys := sortedKeys(p.Fields)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, p.Fields[k])
	}
	return strings.Join(values, "\n")
}
