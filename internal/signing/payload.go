package signing

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	// DomainPrefix marks gateway-owned header and query fields.
	DomainPrefix = "checkout-"
	// SignatureKey is the header or query parameter carrying the MAC.
	SignatureKey = "signature"
)

// Payload is the signable view of an inbound message: prefixed fields keyed by
// their lowercase name plus the raw body, if any.
type Payload struct {
	Fields map[string]string
	Body   []byte
}

// FromHeader collects the prefixed headers of h. Multi-valued headers are
// flattened by comma-joining.
func FromHeader(h http.Header, body []byte) Payload {
	return Payload{Fields: collect(h), Body: body}
}

// FromQuery collects the prefixed query parameters of q. Query messages carry
// no body.
func FromQuery(q url.Values) Payload {
	return Payload{Fields: collect(q)}
}

func collect(values map[string][]string) map[string]string {
	fields := make(map[string]string, len(values))
	for key, vals := range values {
		lower := strings.ToLower(key)
		if lower == SignatureKey || !strings.HasPrefix(lower, DomainPrefix) {
			continue
		}
		joined := strings.Join(vals, ",")
		if existing, ok := fields[lower]; ok {
			// keys differing only by case collapse into one field
			joined = existing + "," + joined
		}
		fields[lower] = joined
	}
	return fields
}

// Empty reports whether no prefixed field was collected.
func (p Payload) Empty() bool { return len(p.Fields) == 0 }

// Has reports whether the named field is present.
func (p Payload) Has(key string) bool {
	_, ok := p.Fields[strings.ToLower(key)]
	return ok
}

// Get returns the value of the named field or an empty string.
func (p Payload) Get(key string) string {
	return p.Fields[strings.ToLower(key)]
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
