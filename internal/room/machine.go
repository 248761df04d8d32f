// Package room implements the per-room lifecycle state machine. Every
// mutation is validated here, funneled through the store's single-writer
// commit, and reported to the commit listener as the exact delta it caused,
// so fan-out never has to recompute a structural diff.
package room

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"turnroom/internal/delta"
	"turnroom/internal/state"
	"turnroom/internal/store"
)

// CommitListener observes every successful commit with the snapshot it
// produced and the delta from the previous version.
type CommitListener func(snap *state.Snapshot, d delta.Delta)

// Machine validates and serializes mutations for all rooms. It owns no
// state of its own beyond configuration; the store holds the snapshots.
type Machine struct {
	store      *store.Store
	minPlayers int
	maxTurns   int
	log        *zap.SugaredLogger
	onCommit   CommitListener
	newID      func() string
}

// New returns a machine committing through the given store. maxTurns of
// zero means the room only finishes when players drop out.
func New(st *store.Store, minPlayers, maxTurns int, log *zap.SugaredLogger) *Machine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if minPlayers < 2 {
		minPlayers = 2
	}
	return &Machine{
		store:      st,
		minPlayers: minPlayers,
		maxTurns:   maxTurns,
		log:        log,
		newID:      uuid.NewString,
	}
}

// SetCommitListener registers the fan-out hook. Must be called before the
// machine starts accepting mutations.
func (m *Machine) SetCommitListener(fn CommitListener) {
	m.onCommit = fn
}

// SetIDSource replaces the player-id generator. Intended for tests.
func (m *Machine) SetIDSource(fn func() string) {
	if fn != nil {
		m.newID = fn
	}
}

// Create registers a new lobby-phase room.
func (m *Machine) Create(roomID string) (*state.Snapshot, error) {
	snap, err := m.store.Create(&state.Room{ID: roomID, Phase: state.PhaseLobby})
	if err != nil {
		return nil, err
	}
	m.log.Infow("room created", "room", roomID)
	return snap, nil
}

// Join adds a player to a lobby-phase room and returns the assigned player
// id with the resulting snapshot. Joins are merged against the current
// version rather than version-checked: they are commutative across players,
// and ordering is fixed by the server-assigned join version.
func (m *Machine) Join(roomID, name string) (string, *state.Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "player"
	}
	playerID := m.newID()
	var d delta.Delta
	snap, err := m.commit(roomID, &d, func(next *state.Snapshot) error {
		if next.Phase != state.PhaseLobby {
			return fmt.Errorf("%w: cannot join a %s room", ErrInvalidPhaseTransition, next.Phase)
		}
		player := state.Player{
			ID:              playerID,
			Name:            name,
			Status:          state.StatusActive,
			JoinedAtVersion: next.Version + 1,
		}
		next.Players = append(next.Players, player)
		if next.HostID == "" {
			next.HostID = playerID
			host := playerID
			d.HostChange = &host
		}
		d.PlayerAdds = append(d.PlayerAdds, player)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	m.log.Infow("player joined", "room", roomID, "player", playerID, "players", len(snap.Players))
	return playerID, snap, nil
}

// Leave removes a player. In the lobby the host role migrates to the
// earliest remaining joiner; in an active room the turn advances past the
// leaver and the end condition is re-evaluated.
func (m *Machine) Leave(roomID, playerID string) (*state.Snapshot, error) {
	var d delta.Delta
	snap, err := m.commit(roomID, &d, func(next *state.Snapshot) error {
		idx := next.PlayerIndex(playerID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
		}
		// Advance while the leaver still anchors the rotation so the turn
		// passes to the next player in join order instead of restarting at
		// the front.
		if next.Phase == state.PhaseActive && next.CurrentTurn == playerID {
			m.advanceTurnLocked(next, &d)
		}
		next.Players = append(next.Players[:idx], next.Players[idx+1:]...)
		d.PlayerRemoves = append(d.PlayerRemoves, playerID)

		if next.HostID == playerID {
			next.HostID = ""
			if len(next.Players) > 0 {
				next.HostID = next.Players[0].ID
			}
			host := next.HostID
			d.HostChange = &host
		}
		if next.Phase == state.PhaseActive {
			m.checkEndLocked(next, &d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Infow("player left", "room", roomID, "player", playerID)
	return snap, nil
}

// Rename changes a player's display name. Merged, never version-checked.
func (m *Machine) Rename(roomID, playerID, name string) (*state.Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("room: rename requires a non-empty name")
	}
	var d delta.Delta
	return m.commit(roomID, &d, func(next *state.Snapshot) error {
		idx := next.PlayerIndex(playerID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
		}
		next.Players[idx].Name = name
		d.NameChanges = append(d.NameChanges, delta.NameChange{ID: playerID, Name: name})
		return nil
	})
}

// SetStatus records a connection-status transition. Marking the current
// turn holder disconnected advances the turn; reconnects slot the player
// back into the rotation at their join-order position.
func (m *Machine) SetStatus(roomID, playerID string, status state.Status) (*state.Snapshot, error) {
	var d delta.Delta
	snap, err := m.commit(roomID, &d, func(next *state.Snapshot) error {
		idx := next.PlayerIndex(playerID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
		}
		if next.Players[idx].Status == status {
			return nil
		}
		next.Players[idx].Status = status
		d.StatusChanges = append(d.StatusChanges, delta.StatusChange{ID: playerID, Status: status})

		if next.Phase == state.PhaseActive && status == state.StatusDisconnected {
			if next.CurrentTurn == playerID {
				m.advanceTurnLocked(next, &d)
			}
			m.checkEndLocked(next, &d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Start moves a lobby to the active phase. Host only, and the room must
// hold at least the configured minimum of connected players. The first
// connected player in join order takes the opening turn.
func (m *Machine) Start(roomID, playerID string) (*state.Snapshot, error) {
	var d delta.Delta
	snap, err := m.commit(roomID, &d, func(next *state.Snapshot) error {
		if next.Phase != state.PhaseLobby {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, next.Phase, state.PhaseActive)
		}
		if playerID != next.HostID {
			return fmt.Errorf("%w: only %s may start the game", ErrNotHost, next.HostID)
		}
		if next.ConnectedCount() < m.minPlayers {
			return fmt.Errorf("%w: need %d connected players", ErrInvalidPhaseTransition, m.minPlayers)
		}
		next.Phase = state.PhaseActive
		phase := state.PhaseActive
		d.PhaseChange = &phase
		for _, p := range next.Players {
			if p.Status != state.StatusDisconnected {
				next.CurrentTurn = p.ID
				break
			}
		}
		turn := next.CurrentTurn
		d.TurnChange = &turn
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Infow("room started", "room", roomID, "firstTurn", snap.CurrentTurn)
	return snap, nil
}

// SubmitScore applies a scoring mutation from the current turn holder and
// advances the turn. The stated base version must match the room's current
// version; anything else is a stale write the caller retries after a fresh
// read.
func (m *Machine) SubmitScore(roomID, playerID string, baseVersion uint64, points int) (*state.Snapshot, error) {
	if points < 0 {
		return nil, fmt.Errorf("%w: %d points", ErrInvalidScore, points)
	}
	var d delta.Delta
	snap, err := m.commit(roomID, &d, func(next *state.Snapshot) error {
		if err := m.validateTurnLocked(next, playerID, baseVersion); err != nil {
			return err
		}
		idx := next.PlayerIndex(playerID)
		next.Players[idx].Score += points
		d.ScoreChanges = append(d.ScoreChanges, delta.ScoreChange{
			ID:       playerID,
			NewScore: next.Players[idx].Score,
		})
		m.completeTurnLocked(next, &d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// EndTurn passes the turn without scoring. Same validation as SubmitScore.
func (m *Machine) EndTurn(roomID, playerID string, baseVersion uint64) (*state.Snapshot, error) {
	var d delta.Delta
	return m.commit(roomID, &d, func(next *state.Snapshot) error {
		if err := m.validateTurnLocked(next, playerID, baseVersion); err != nil {
			return err
		}
		m.completeTurnLocked(next, &d)
		return nil
	})
}

// commit runs fn through the store and reports the finished delta to the
// listener. The listener runs inside the store's notify callback, still
// under the room's writer lock, so deltas arrive in version order even when
// commits race.
func (m *Machine) commit(roomID string, d *delta.Delta, fn store.MutationFn) (*state.Snapshot, error) {
	return m.store.CommitNotify(roomID, fn, func(snap *state.Snapshot) {
		d.BaseVersion = snap.Version - 1
		d.ToVersion = snap.Version
		if m.onCommit != nil {
			m.onCommit(snap, *d)
		}
	})
}

// validateTurnLocked enforces the scoring preconditions: active phase, the
// optimistic-concurrency version check, then turn ownership. The version
// check runs before the turn check so racing duplicates of the same intent
// uniformly fail as stale writes rather than as turn violations.
func (m *Machine) validateTurnLocked(next *state.Snapshot, playerID string, baseVersion uint64) error {
	if next.Phase != state.PhaseActive {
		return fmt.Errorf("%w: room is %s", ErrInvalidPhaseTransition, next.Phase)
	}
	if next.Version != baseVersion {
		return fmt.Errorf("%w: room at version %d, submission based on %d", ErrStaleWrite, next.Version, baseVersion)
	}
	if next.CurrentTurn != playerID {
		return fmt.Errorf("%w: current turn belongs to %s", ErrNotYourTurn, next.CurrentTurn)
	}
	return nil
}

// completeTurnLocked counts the finished turn, rotates to the next eligible
// player, and evaluates the end conditions.
func (m *Machine) completeTurnLocked(next *state.Snapshot, d *delta.Delta) {
	next.TurnsTaken++
	m.advanceTurnLocked(next, d)
	m.checkEndLocked(next, d)
}

func (m *Machine) advanceTurnLocked(next *state.Snapshot, d *delta.Delta) {
	turn := next.NextEligibleTurn()
	if turn == next.CurrentTurn {
		return
	}
	next.CurrentTurn = turn
	d.TurnChange = &turn
}

// checkEndLocked finishes the room when the configured turn limit is reached
// or when fewer than two connected players remain.
func (m *Machine) checkEndLocked(next *state.Snapshot, d *delta.Delta) {
	if next.Phase != state.PhaseActive {
		return
	}
	turnsExhausted := m.maxTurns > 0 && next.TurnsTaken >= m.maxTurns
	if !turnsExhausted && next.ConnectedCount() > 1 {
		return
	}
	next.Phase = state.PhaseFinished
	phase := state.PhaseFinished
	d.PhaseChange = &phase
	if next.CurrentTurn != "" {
		next.CurrentTurn = ""
		empty := ""
		d.TurnChange = &empty
	}
	m.log.Infow("room finished", "room", next.ID, "turns", next.TurnsTaken)
}
