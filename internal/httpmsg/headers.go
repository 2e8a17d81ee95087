package httpmsg

import "net/textproto"

// Headers is a case-insensitive multimap of header fields, keyed by their
// canonical MIME form so "etag", "ETag" and "ETAG" all resolve to the same
// entry regardless of how the peer sent them.
type Headers map[string][]string

func newHeaders() Headers {
	return make(Headers)
}

// Add appends a value for name without discarding any existing values.
func (h Headers) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
}

// Set replaces any existing values for name with value.
func (h Headers) Set(name, value string) {
	h[textproto.CanonicalMIMEHeaderKey(name)] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h Headers) Get(name string) string {
	vals := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Has reports whether name is present at all.
func (h Headers) Has(name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}
