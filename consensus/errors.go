package consensus

import "errors"

// Error kinds surfaced by this package, per spec.md §7.
var (
	// ErrAlreadyFinal is returned when a caller attempts to modify a
	// vertex's consensus state after it has reached a terminal status.
	ErrAlreadyFinal = errors.New("consensus: vertex already in a terminal state")

	// ErrQueryTimeout is round-level bookkeeping, never surfaced to a
	// caller outside this package: a missed response is folded into "no
	// preference" for the round, not treated as an application error.
	ErrQueryTimeout = errors.New("consensus: query round timed out")

	// ErrDirectoryStale means the local validator directory is older
	// than the configured staleness bound; the coordinator must refuse
	// to start new rounds.
	ErrDirectoryStale = errors.New("consensus: validator directory is stale")

	// ErrConfigInvalid is returned by Parameters.Validate.
	ErrConfigInvalid = errors.New("consensus: invalid configuration")

	// ErrUnknownVertex is returned when an operation names a vertex the
	// engine has no consensus record for.
	ErrUnknownVertex = errors.New("consensus: no consensus record for vertex")
)
