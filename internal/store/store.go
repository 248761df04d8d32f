// Package store owns the authoritative snapshot per room. Writes for one
// room are strictly serialized behind a per-room mutex; reads load the last
// published snapshot through an atomic pointer and never block on writers.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"turnroom/internal/state"
)

// ErrRoomNotFound reports a commit or read against an unknown room id.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomExists reports a create against an id that is already registered.
var ErrRoomExists = errors.New("room already exists")

// Guard is the pre-commit hook the store consults before publishing. A nil
// guard accepts everything.
type Guard interface {
	Check(next *state.Snapshot) error
}

// MutationFn transforms the current snapshot into the next one. It receives
// a private clone and may mutate it freely; returning an error abandons the
// commit without publishing. The store assigns the new version itself.
type MutationFn func(next *state.Snapshot) error

// Store holds every live room. The outer map is guarded separately from the
// per-room entries so rooms never contend with each other.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*entry
	guard Guard
	clock func() time.Time
}

type entry struct {
	// commitMu serializes writers for this room only.
	commitMu sync.Mutex
	current  atomic.Pointer[state.Snapshot]
}

// New returns an empty store using the given pre-commit guard.
func New(guard Guard) *Store {
	return &Store{
		rooms: make(map[string]*entry),
		guard: guard,
		clock: time.Now,
	}
}

// SetClock replaces the timestamp source. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Create registers a room and publishes its initial snapshot at version 1.
func (s *Store) Create(room *state.Room) (*state.Snapshot, error) {
	if room == nil || room.ID == "" {
		return nil, fmt.Errorf("store: create requires a room id")
	}
	initial := room.Clone()
	initial.Version = 1
	now := s.clock()
	initial.CreatedAt = now
	initial.UpdatedAt = now
	if initial.Phase == "" {
		initial.Phase = state.PhaseLobby
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, room.ID)
	}
	e := &entry{}
	e.current.Store(initial)
	s.rooms[room.ID] = e
	return initial, nil
}

// Get returns the latest committed snapshot for the room. It never blocks:
// a commit in flight is invisible until its atomic publish.
func (s *Store) Get(roomID string) (*state.Snapshot, error) {
	e, err := s.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return e.current.Load(), nil
}

// Commit applies fn to a clone of the current snapshot under the room's
// single-writer lock, runs the guard, stamps the next version, and publishes
// atomically. On any error the previous snapshot stays current.
func (s *Store) Commit(roomID string, fn MutationFn) (*state.Snapshot, error) {
	return s.CommitNotify(roomID, fn, nil)
}

// CommitNotify behaves like Commit and additionally invokes notify with the
// published snapshot before releasing the room's writer lock, so observers
// see commits in version order. notify must not commit to the same room.
func (s *Store) CommitNotify(roomID string, fn MutationFn, notify func(*state.Snapshot)) (*state.Snapshot, error) {
	e, err := s.lookup(roomID)
	if err != nil {
		return nil, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	current := e.current.Load()
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock()
	if s.guard != nil {
		if err := s.guard.Check(next); err != nil {
			return nil, err
		}
	}
	e.current.Store(next)
	if notify != nil {
		notify(next)
	}
	return next, nil
}

// Drop removes the room from the store. Snapshots already handed out stay
// valid; they are immutable values.
func (s *Store) Drop(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// RoomIDs lists the ids of every live room.
func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) lookup(roomID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return e, nil
}
