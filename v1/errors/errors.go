// Package errors holds the sentinel errors shared by every latch package.
//
// Contention outcomes (ErrAlreadyHeld, ErrNoQuorum) are ordinary results a
// caller is expected to branch on with errors.Is. Transport failures always
// carry ErrStoreUnavailable so they can be told apart from contention.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("latch: timeout")
	ErrConnectionClosed = errors.New("latch: connection closed")

	// ErrAlreadyHeld is returned when another owner holds the lock.
	ErrAlreadyHeld = errors.New("latch: lock already held")
	// ErrLockLost is reported when a renewal finds a different owner or the
	// lease ran out. Protected work must be aborted.
	ErrLockLost = errors.New("latch: lock lost")
	// ErrNoQuorum is returned when fewer than a majority of nodes granted the
	// lock within its validity budget.
	ErrNoQuorum = errors.New("latch: no quorum")
	// ErrStoreUnavailable wraps every transport level failure.
	ErrStoreUnavailable = errors.New("latch: store unavailable")
	ErrCircuitOpen      = errors.New("latch: circuit breaker is open")

	ErrInvalidResource      = errors.New("latch: invalid resource")
	ErrInvalidTTL           = errors.New("latch: ttl must be positive")
	ErrInvalidRenewInterval = errors.New("latch: renew interval must be shorter than ttl")
)
