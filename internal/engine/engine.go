// Package engine wires the snapshot store, room state machine, rank
// boards, subscription manager, quota guard, and archive into the surface
// the transport layer calls. Transports stay thin: polling endpoints call
// Poll on their own schedule, push transports call it on the cadence the
// manager computes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"turnroom/internal/archive"
	"turnroom/internal/config"
	"turnroom/internal/delta"
	"turnroom/internal/quota"
	"turnroom/internal/rank"
	"turnroom/internal/room"
	"turnroom/internal/state"
	"turnroom/internal/store"
	"turnroom/internal/sub"
	"turnroom/internal/telemetry"
)

// MutationKind selects which room operation a submitted mutation performs.
type MutationKind string

const (
	// MutationScore adds points for the current turn holder and advances
	// the turn. Requires a matching base version.
	MutationScore MutationKind = "score"
	// MutationEndTurn passes the turn without scoring. Requires a matching
	// base version.
	MutationEndTurn MutationKind = "endTurn"
	// MutationStart moves the lobby to the active phase. Host only.
	MutationStart MutationKind = "start"
	// MutationLeave removes the submitting player.
	MutationLeave MutationKind = "leave"
	// MutationRename changes the submitting player's display name.
	MutationRename MutationKind = "rename"
	// MutationStatus records a connection-status transition.
	MutationStatus MutationKind = "status"
)

// Mutation is the transport-agnostic request body for SubmitMutation.
type Mutation struct {
	Kind   MutationKind `json:"kind"`
	Points int          `json:"points,omitempty"`
	Name   string       `json:"name,omitempty"`
	Status state.Status `json:"status,omitempty"`
}

// Diagnostics is the shape served by the diagnostics endpoint.
type Diagnostics struct {
	Rooms       int                `json:"rooms"`
	Subscribers int                `json:"subscribers"`
	Telemetry   telemetry.Snapshot `json:"telemetry"`
}

// Engine is the single object transports hold. All methods are safe for
// concurrent use.
type Engine struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	store   *store.Store
	machine *room.Machine
	subs    *sub.Manager
	arch    *archive.Archive
	tel     *telemetry.Counters

	mu     sync.RWMutex
	boards map[string]*rank.Board
	// finished records when each room reached the terminal phase; the sweep
	// evicts them once every subscriber has had the idle window to observe
	// the final state.
	finished map[string]time.Time
}

// New assembles an engine from the given configuration. The archive is
// optional; with no ArchivePath configured, finished rooms are simply
// dropped at eviction.
func New(cfg config.Config, log *zap.SugaredLogger) (*Engine, error) {
	cfg = cfg.Normalized()
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	guard := quota.New(cfg.RoomSizeQuotaBytes, cfg.MaxPlayersPerRoom, log)
	st := store.New(guard)

	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    st,
		machine:  room.New(st, cfg.MinPlayersToStart, cfg.MaxTurns, log),
		subs:     sub.NewManager(cfg, st, log),
		tel:      telemetry.New(),
		boards:   make(map[string]*rank.Board),
		finished: make(map[string]time.Time),
	}
	e.machine.SetCommitListener(e.handleCommit)
	e.subs.SetFallbackHook(func(string) { e.tel.RecordSnapshotFallback() })

	if cfg.ArchivePath != "" {
		arch, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return nil, err
		}
		e.arch = arch
	}
	return e, nil
}

// Run drives the idle sweep until the context is cancelled. Callers
// typically run it in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := e.subs.SweepIdle(now); len(removed) > 0 {
				e.log.Infow("swept idle subscribers", "count", len(removed))
			}
			e.evictFinished(now)
		}
	}
}

// Close releases the archive. The engine itself holds no other resources
// beyond what Run's context cancellation stops.
func (e *Engine) Close() error {
	return e.arch.Close()
}

// CreateRoom registers a new room and returns its initial snapshot. An
// empty id gets a generated one.
func (e *Engine) CreateRoom(roomID string) (*state.Snapshot, error) {
	if roomID == "" {
		roomID = uuid.NewString()
	}
	// The board goes in before the room is published so a join racing the
	// create still reaches it through handleCommit.
	e.mu.Lock()
	e.boards[roomID] = rank.NewBoard()
	e.mu.Unlock()
	snap, err := e.machine.Create(roomID)
	if err != nil {
		e.mu.Lock()
		delete(e.boards, roomID)
		e.mu.Unlock()
		return nil, err
	}
	return snap, nil
}

// JoinRoom adds a named player and returns the assigned player id with the
// snapshot the join produced.
func (e *Engine) JoinRoom(roomID, playerName string) (string, *state.Snapshot, error) {
	playerID, snap, err := e.machine.Join(roomID, playerName)
	if err != nil {
		e.note(err)
		return "", nil, err
	}
	return playerID, snap, nil
}

// SubmitMutation validates and applies one mutation on behalf of a player.
// Turn-gated kinds carry the caller's base version for the optimistic
// concurrency check; the rest are merged against the current version.
func (e *Engine) SubmitMutation(roomID, playerID string, baseVersion uint64, mut Mutation) (*state.Snapshot, error) {
	var snap *state.Snapshot
	var err error
	switch mut.Kind {
	case MutationScore:
		snap, err = e.machine.SubmitScore(roomID, playerID, baseVersion, mut.Points)
	case MutationEndTurn:
		snap, err = e.machine.EndTurn(roomID, playerID, baseVersion)
	case MutationStart:
		snap, err = e.machine.Start(roomID, playerID)
	case MutationLeave:
		snap, err = e.machine.Leave(roomID, playerID)
	case MutationRename:
		snap, err = e.machine.Rename(roomID, playerID, mut.Name)
	case MutationStatus:
		snap, err = e.machine.SetStatus(roomID, playerID, mut.Status)
	default:
		return nil, fmt.Errorf("engine: unknown mutation kind %q", mut.Kind)
	}
	if err != nil {
		e.note(err)
		return nil, err
	}
	return snap, nil
}

// Snapshot returns the latest committed snapshot for the room.
func (e *Engine) Snapshot(roomID string) (*state.Snapshot, error) {
	return e.store.Get(roomID)
}

// Subscribe registers an observer for the room and returns its id.
func (e *Engine) Subscribe(roomID string) (string, error) {
	if _, err := e.store.Get(roomID); err != nil {
		return "", err
	}
	return e.subs.Subscribe(roomID), nil
}

// Poll returns the next update for the subscriber.
func (e *Engine) Poll(subscriberID string) (sub.Update, error) {
	update, err := e.subs.Poll(subscriberID)
	if err != nil {
		return sub.Update{}, err
	}
	switch update.Kind {
	case sub.KindDelta:
		e.tel.RecordDeltaSent()
	case sub.KindSnapshot:
		e.tel.RecordSnapshotSent()
	}
	return update, nil
}

// Unsubscribe removes the subscriber synchronously.
func (e *Engine) Unsubscribe(subscriberID string) error {
	return e.subs.Unsubscribe(subscriberID)
}

// Heartbeat refreshes the subscriber's idle clock.
func (e *Engine) Heartbeat(subscriberID string) error {
	return e.subs.Heartbeat(subscriberID)
}

// SubscriberCadence reports the subscriber's current update interval, for
// push transports that pace their write loop with it.
func (e *Engine) SubscriberCadence(subscriberID string) (time.Duration, error) {
	return e.subs.Cadence(subscriberID)
}

// LeaderboardTop returns the best n entries for the room.
func (e *Engine) LeaderboardTop(roomID string, n int) ([]rank.Entry, error) {
	board, err := e.board(roomID)
	if err != nil {
		return nil, err
	}
	return board.TopK(n), nil
}

// LeaderboardAround returns the entries ranked within window of the player.
func (e *Engine) LeaderboardAround(roomID, playerID string, window int) ([]rank.Entry, error) {
	board, err := e.board(roomID)
	if err != nil {
		return nil, err
	}
	return board.Around(playerID, window)
}

// ArchivedRoom returns the final snapshot of a finished, archived room.
func (e *Engine) ArchivedRoom(roomID string) (*state.Snapshot, error) {
	if e.arch == nil {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotArchived, roomID)
	}
	return e.arch.Load(roomID)
}

// Diagnostics returns current counts and telemetry.
func (e *Engine) Diagnostics() Diagnostics {
	ids := e.store.RoomIDs()
	subscribers := 0
	for _, id := range ids {
		subscribers += e.subs.Count(id)
	}
	return Diagnostics{
		Rooms:       len(ids),
		Subscribers: subscribers,
		Telemetry:   e.tel.Read(),
	}
}

// handleCommit is the single fan-out point: every committed mutation flows
// from the store through the rank board to the subscription manager.
func (e *Engine) handleCommit(snap *state.Snapshot, d delta.Delta) {
	e.tel.RecordCommit()

	if board, err := e.board(snap.ID); err == nil {
		for _, p := range d.PlayerAdds {
			board.Add(p)
		}
		for _, id := range d.PlayerRemoves {
			board.Remove(id)
		}
		for _, sc := range d.ScoreChanges {
			joined := uint64(0)
			if p, ok := snap.PlayerByID(sc.ID); ok {
				joined = p.JoinedAtVersion
			}
			board.ApplyScore(sc.ID, sc.NewScore, joined)
		}
	}

	e.subs.Publish(snap.ID, d)

	if d.PhaseChange != nil && *d.PhaseChange == state.PhaseFinished {
		if e.arch != nil {
			if err := e.arch.SaveFinal(snap); err != nil {
				e.log.Errorw("archive finished room", "room", snap.ID, "err", err)
			}
		}
		e.mu.Lock()
		e.finished[snap.ID] = time.Now()
		e.mu.Unlock()
	}
}

// evictFinished drops finished rooms that have lingered for a full idle
// window, releasing the snapshot, board, and any remaining subscribers. The
// linger gives live subscribers at least one poll cycle to see the final
// update before the room disappears.
func (e *Engine) evictFinished(now time.Time) {
	e.mu.Lock()
	var expired []string
	for id, at := range e.finished {
		if now.Sub(at) >= e.cfg.SubscriberIdleTimeout {
			expired = append(expired, id)
			delete(e.finished, id)
			delete(e.boards, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		e.store.Drop(id)
		e.subs.DropRoom(id)
		e.log.Infow("evicted finished room", "room", id)
	}
}

func (e *Engine) board(roomID string) (*rank.Board, error) {
	e.mu.RLock()
	board, ok := e.boards[roomID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRoomNotFound, roomID)
	}
	return board, nil
}

// note feeds expected validation failures into telemetry without changing
// how they propagate.
func (e *Engine) note(err error) {
	switch {
	case errors.Is(err, room.ErrStaleWrite):
		e.tel.RecordStaleWrite()
	case errors.Is(err, quota.ErrQuotaExceeded):
		e.tel.RecordQuotaRejection()
	}
}
