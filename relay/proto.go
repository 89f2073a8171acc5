package relay

import (
	"errors"
	"net/http"
)

// Header and trailer names of the relay protocol.
//
// A resume offset travels in HeaderOffset on PUT (sender) and GET (receiver)
// requests; its absence marks a fresh attach. Responses use HeaderOffset for
// the delivery start offset (GET), the final accepted offset (PUT) and the
// current accepted offset (HEAD). Receiver streams terminate through
// trailers: TrailerComplete for a clean, fully delivered stream, TrailerError
// when the sender's grace period expired. A response that ends without either
// trailer is a transport fault and the client should reconnect.
const (
	HeaderOffset = "X-Pipe-Offset"
	HeaderState  = "X-Pipe-State"

	TrailerComplete = "X-Pipe-Complete"
	TrailerError    = "X-Pipe-Error"
)

// ErrorUpstreamGone is the TrailerError value for a sender grace expiry.
const ErrorUpstreamGone = "upstream gone"

// StatusForError maps protocol errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrRoleConflict):
		return http.StatusConflict
	case errors.Is(err, ErrResumeOffsetMismatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrOffsetTooOld):
		return http.StatusGone
	case errors.Is(err, ErrOffsetBeyondStream):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ErrUpstreamGone):
		return http.StatusBadGateway
	case errors.Is(err, ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorForStatus is the client-side inverse of StatusForError. It returns nil
// for success codes and a retryable=false protocol error for the codes that
// must never be retried blindly.
func ErrorForStatus(code int) error {
	switch code {
	case http.StatusConflict:
		return ErrRoleConflict
	case http.StatusPreconditionFailed:
		return ErrResumeOffsetMismatch
	case http.StatusGone:
		return ErrOffsetTooOld
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrOffsetBeyondStream
	case http.StatusBadGateway:
		return ErrUpstreamGone
	default:
		return nil
	}
}
