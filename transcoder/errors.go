package transcoder

import "errors"

// Error kinds surfaced across the state manager's command surface. These are
// sentinel errors so callers can branch with errors.Is instead of string
// matching, same as everywhere else the actor reports failure.
var (
	// ErrSessionDoesntExist is returned for any command targeting an unknown
	// or already-reaped session id.
	ErrSessionDoesntExist = errors.New("transcoder: session does not exist")

	// ErrChunkNotDone is returned when the requested chunk hasn't been
	// produced yet. Callers should retry after a backoff.
	ErrChunkNotDone = errors.New("transcoder: chunk not done")

	// ErrProfileChainExhausted is returned when every profile in a chain has
	// failed and there is nothing left to fall back to. Fatal for the
	// session.
	ErrProfileChainExhausted = errors.New("transcoder: profile chain exhausted")

	// ErrAborted is returned when the child process could not be spawned,
	// killed, or otherwise controlled.
	ErrAborted = errors.New("transcoder: aborted")

	// errPartialSegment is internal: the patcher found a structurally
	// incomplete segment (media payload stuck in the init file). It never
	// crosses the public command boundary; it's consumed by the
	// init-segment recovery path.
	errPartialSegment = errors.New("transcoder: partial segment")
)

// partialSegmentError carries the detail behind errPartialSegment so logs
// can say why a segment looked malformed.
type partialSegmentError struct {
	reason string
}

func (e *partialSegmentError) Error() string {
	return "transcoder: partial segment: " + e.reason
}

func (e *partialSegmentError) Unwrap() error {
	return errPartialSegment
}

func newPartialSegmentError(reason string) error {
	return &partialSegmentError{reason: reason}
}
