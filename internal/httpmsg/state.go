// Package httpmsg implements the incremental HTTP/1.x request and response
// parsers used by the proxy engine. Both parsers accept byte slices of
// arbitrary size — a slice may split any token, including the middle of a
// header name or a chunk-size line — and expose a monotonically advancing
// parse state rather than blocking until a full message is available.
package httpmsg

import "errors"

// State is the progressive parse state of a Request or Response. States only
// advance; Bad is absorbing.
type State int

const (
	Incomplete State = iota
	FirstLineDone
	HeadersDone
	FullBody
	Bad
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "INCOMPLETE"
	case FirstLineDone:
		return "FIRST_LINE_DONE"
	case HeadersDone:
		return "HEADERS_DONE"
	case FullBody:
		return "FULL_BODY"
	case Bad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// framing identifies how a message's body boundary is determined.
type framing int

const (
	framingUnknown framing = iota
	framingNone
	framingLength
	framingChunked
	framingUntilClose
)

// ErrMalformed is wrapped by any error that drives a parser into the Bad
// state; callers that only care about the disposition (400 Bad Request, in
// the proxy engine's case) can test with errors.Is against this sentinel.
var ErrMalformed = errors.New("httpmsg: malformed message")

const crlf = "\r\n"
const crlfcrlf = "\r\n\r\n"
