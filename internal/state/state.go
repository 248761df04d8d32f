package state

import "time"

// Phase identifies where a room is in its lifecycle.
type Phase string

const (
	// PhaseLobby accepts joins; no scoring happens yet.
	PhaseLobby Phase = "lobby"
	// PhaseActive runs turns; only the current turn holder may score.
	PhaseActive Phase = "active"
	// PhaseFinished is terminal and read-only.
	PhaseFinished Phase = "finished"
)

// Status identifies a player's connection state.
type Status string

const (
	// StatusActive marks a player with a live connection.
	StatusActive Status = "active"
	// StatusIdle marks a player whose heartbeats have lapsed but who has
	// not timed out yet. Idle players keep their turn.
	StatusIdle Status = "idle"
	// StatusDisconnected marks a player the turn rotation skips.
	StatusDisconnected Status = "disconnected"
)

// Player is one participant in a room. IDs are assigned at join and never
// reused within a room.
type Player struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Score           int    `json:"score"`
	Status          Status `json:"status"`
	JoinedAtVersion uint64 `json:"joinedAtVersion"`
}

// Room is the authoritative state of one game session. Players are kept in
// ascending JoinedAtVersion order, which is both the wire order and the turn
// rotation order.
type Room struct {
	ID          string    `json:"id"`
	Version     uint64    `json:"version"`
	Phase       Phase     `json:"phase"`
	Players     []Player  `json:"players"`
	CurrentTurn string    `json:"currentTurn,omitempty"`
	HostID      string    `json:"hostId"`
	TurnsTaken  int       `json:"turnsTaken,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Snapshot is an immutable copy of a room at a committed version. Holders
// must never mutate it; every mutation path goes through the store, which
// clones before applying changes.
type Snapshot = Room

// PlayerByID returns the player with the given id and whether it exists.
func (r *Room) PlayerByID(id string) (Player, bool) {
	for _, p := range r.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// PlayerIndex returns the slice index of the player with the given id, or -1.
func (r *Room) PlayerIndex(id string) int {
	for i, p := range r.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// ConnectedCount reports how many players are not disconnected.
func (r *Room) ConnectedCount() int {
	count := 0
	for _, p := range r.Players {
		if p.Status != StatusDisconnected {
			count++
		}
	}
	return count
}

// NextEligibleTurn returns the id of the next player in join order after the
// current turn holder, skipping disconnected players. It wraps around and
// returns an empty string when no connected player exists.
func (r *Room) NextEligibleTurn() string {
	if len(r.Players) == 0 {
		return ""
	}
	start := r.PlayerIndex(r.CurrentTurn)
	for offset := 1; offset <= len(r.Players); offset++ {
		candidate := r.Players[(start+offset)%len(r.Players)]
		if candidate.Status != StatusDisconnected {
			return candidate.ID
		}
	}
	return ""
}

// Clone returns a deep copy of the room so callers can mutate the result
// without touching the published snapshot.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Players != nil {
		clone.Players = make([]Player, len(r.Players))
		copy(clone.Players, r.Players)
	}
	return &clone
}
