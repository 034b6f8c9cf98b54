package session

import "errors"

// Error kinds surfaced by the session store and engines. Callers match with
// errors.Is; the HTTP layer maps them to stable machine-readable kinds.
var (
	// ErrInvalidTransition: the requested operation is not legal from the
	// session's current status. Never retried automatically.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflictingActiveSession: the owner already has a running or paused
	// session of this kind.
	ErrConflictingActiveSession = errors.New("conflicting active session")

	// ErrSessionNotFound: no session with that id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreConflict: a concurrent writer won the compare-and-swap. The
	// store retries internally; callers see this only after retries are
	// exhausted, and may safely retry the whole operation.
	ErrStoreConflict = errors.New("store conflict")
)
