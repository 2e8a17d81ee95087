package httpmsg

import (
	"bytes"
	"strconv"
	"strings"
)

// scanChunked walks a chunked-encoded body accumulated so far and reports
// whether the terminating zero-length chunk has been seen. It tolerates a
// partial buffer (returns done=false, malformed=false) so it can be called
// again as more bytes arrive. Trailer headers after the terminating chunk are
// not parsed individually — boundary identification only requires knowing
// that the body has ended, not what the trailers say (spec explicitly scopes
// full RFC-7230 trailer handling out).
func scanChunked(body []byte) (done bool, malformed bool) {
	i := 0
	for {
		idx := bytes.Index(body[i:], []byte(crlf))
		if idx == -1 {
			return false, false
		}
		sizeLine := body[i : i+idx]
		if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(sizeLine)), 16, 64)
		if err != nil || size < 0 {
			return false, true
		}
		i += idx + len(crlf)

		if size == 0 {
			// Terminating chunk. The minimal case is an immediate blank line;
			// anything else arriving before that blank line is a trailer we
			// don't need to interpret, so just wait for the first CRLF CRLF.
			if bytes.HasPrefix(body[i:], []byte(crlf)) {
				return true, false
			}
			end := bytes.Index(body[i:], []byte(crlfcrlf))
			if end == -1 {
				return false, false
			}
			return true, false
		}

		need := size + int64(len(crlf))
		if int64(len(body)-i) < need {
			return false, false
		}
		i += int(need)
	}
}
