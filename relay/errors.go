package relay

import "errors"

// Protocol errors surfaced to clients. Transport-level faults are never
// represented here; clients recover those with backoff and reconnect.
var (
	// ErrRoleConflict is returned when a sender attaches to a path that
	// already has an active sender.
	ErrRoleConflict = errors.New("pipe already has an active sender")

	// ErrResumeOffsetMismatch is returned when a reconnecting sender's
	// offset is not exactly the session's accepted byte count. Accepted
	// bytes cannot be rewritten, so the pipe attempt is dead.
	ErrResumeOffsetMismatch = errors.New("resume offset does not match accepted stream offset")

	// ErrOffsetTooOld is returned when a reconnecting receiver asks for
	// bytes that were already evicted from the window. The gap is real
	// data loss for that receiver and is never silently skipped.
	ErrOffsetTooOld = errors.New("requested offset already evicted from window")

	// ErrOffsetBeyondStream is returned when a resume offset is past the
	// bytes the session has accepted so far.
	ErrOffsetBeyondStream = errors.New("resume offset beyond accepted stream offset")

	// ErrUpstreamGone is delivered to waiting receivers when the sender's
	// reconnect grace period expires.
	ErrUpstreamGone = errors.New("sender did not reconnect within grace period")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)
