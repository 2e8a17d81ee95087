package httpmsg

import (
	"bytes"
	"fmt"
	"strings"
)

// parseHeaderLines splits a CRLF-delimited header block (not including the
// blank line that terminates it) into name/value pairs and adds them to h.
func parseHeaderLines(block []byte, h Headers) error {
	if len(block) == 0 {
		return nil
	}
	for _, line := range bytes.Split(block, []byte(crlf)) {
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		name := string(line[:colon])
		value := strings.TrimSpace(string(line[colon+1:]))
		h.Add(name, value)
	}
	return nil
}

func hasChunkedEncoding(h Headers) bool {
	te := h.Get("Transfer-Encoding")
	if te == "" {
		return false
	}
	for _, part := range strings.Split(te, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "chunked") {
			return true
		}
	}
	return false
}

// authorityFromAbsoluteURI extracts "host[:port]" from an absolute-form
// request-URI such as "http://example.test:8080/path?q=1".
func authorityFromAbsoluteURI(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i != -1 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i != -1 {
		rest = rest[:i]
	}
	return rest
}

// pathFromAbsoluteURI extracts the origin-form path(+query) from an
// absolute-form request-URI, defaulting to "/" when none is present.
func pathFromAbsoluteURI(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i != -1 {
		rest = rest[i+3:]
	}
	i := strings.IndexAny(rest, "/?")
	if i == -1 {
		return "/"
	}
	if rest[i] == '?' {
		return "/" + rest[i:]
	}
	return rest[i:]
}

// withDefaultPort appends ":80" to an authority lacking an explicit port.
// IPv6 literal hosts (bracketed) are left as-is beyond that rule; this
// system does not need to parse them further.
func withDefaultPort(authority string) string {
	if authority == "" {
		return authority
	}
	if strings.HasPrefix(authority, "[") {
		if strings.HasSuffix(authority, "]") {
			return authority + ":80"
		}
		return authority
	}
	if strings.LastIndexByte(authority, ':') == -1 {
		return authority + ":80"
	}
	return authority
}
