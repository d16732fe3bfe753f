package memory

import "errors"

var (
	// ErrInvalidRecord marks a malformed record passed to Create.
	ErrInvalidRecord = errors.New("memory: invalid record")

	// ErrInvalidFilter marks a malformed query filter.
	ErrInvalidFilter = errors.New("memory: invalid filter")

	// ErrStorageUnavailable wraps repository failures while nominally
	// online. Create propagates it; Query and SweepExpired return it so
	// callers can tell "could not determine" apart from a confirmed empty
	// result.
	ErrStorageUnavailable = errors.New("memory: storage unavailable")

	// ErrPendingLogFull is returned by offline creates once the pending
	// log reaches Config.MaxPendingOps.
	ErrPendingLogFull = errors.New("memory: offline pending log full")
)
