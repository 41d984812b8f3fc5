package nntp

import (
	"strconv"
	"strings"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Error is an NNTP status response outside the success range.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "nntp: status " + strconv.Itoa(e.Code)
	}
	return "nntp: " + strconv.Itoa(e.Code) + " " + e.Msg
}

// StatusError wraps a status response in the error taxonomy.
//
// Mapping follows RFC 3977 semantics:
//   - 430 (no such article) is not-found
//   - 440 (posting not permitted) and the 48x auth family are denied
//   - 441 (posting failed) is a transient transport failure; servers
//     use it for everything from full spools to flaky peering
//   - 502 is denied unless the text indicates connection limits, which
//     are rate limiting
//   - everything else unexpected is transport, and retryable
func StatusError(op string, code int, msg string) error {
	nerr := &Error{Code: code, Msg: msg}

	var kind errkind.Kind
	switch code {
	case 430:
		kind = errkind.KindNotFound
	case 440, 480, 481, 482:
		kind = errkind.KindDenied
	case 441, 400, 503:
		kind = errkind.KindTransport
	case 502:
		if isConnectionLimit(msg) {
			kind = errkind.KindRateLimited
		} else {
			kind = errkind.KindDenied
		}
	default:
		kind = errkind.KindTransport
	}

	return errkind.Wrap(kind, op, nerr)
}

// isConnectionLimit sniffs the status text for connection-cap phrasing.
// There is no status code for it; providers overload 502.
func isConnectionLimit(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "too many") ||
		strings.Contains(m, "connection limit") ||
		strings.Contains(m, "limit reached")
}
