package room

import "errors"

// Validation failures are returned to the submitting caller only and never
// affect other clients' view; all of them are expected, retryable
// conditions rather than faults.
var (
	// ErrStaleWrite reports an optimistic-concurrency conflict: the
	// mutation's stated base version no longer matches the room. The caller
	// re-reads and resubmits.
	ErrStaleWrite = errors.New("stale write")
	// ErrNotYourTurn reports a scoring mutation from a player other than
	// the current turn holder.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrInvalidPhaseTransition reports an operation the room's current
	// phase does not allow.
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")
	// ErrPlayerNotFound reports a player id unknown to the room.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrNotHost reports a host-only action submitted by another player.
	ErrNotHost = errors.New("not the host")
	// ErrInvalidScore reports a scoring mutation that would decrease a
	// player's score.
	ErrInvalidScore = errors.New("score may only increase")
)
