// Package sub tracks room subscribers, computes their update cadence from
// the configured tiers, and buffers per-subscriber deltas with a bounded
// backlog. A subscriber that outruns the backlog or falls past the
// staleness threshold is healed with a full snapshot instead of an
// unbounded catch-up stream.
package sub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"turnroom/internal/config"
	"turnroom/internal/delta"
	"turnroom/internal/state"
)

// ErrSubscriberNotFound reports a poll or unsubscribe against an unknown or
// already-removed subscriber id.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// SnapshotSource resolves the latest committed snapshot for a room.
type SnapshotSource interface {
	Get(roomID string) (*state.Snapshot, error)
}

// Kind tags what a poll returned.
type Kind string

const (
	// KindNone means the subscriber is current; nothing to deliver.
	KindNone Kind = "none"
	// KindDelta carries the composed changes since the last ack.
	KindDelta Kind = "delta"
	// KindSnapshot carries the full room state, either on first poll or as
	// the delta-too-stale fallback.
	KindSnapshot Kind = "snapshot"
)

// Update is the result of one poll.
type Update struct {
	Kind     Kind            `json:"kind"`
	Delta    *delta.Delta    `json:"delta,omitempty"`
	Snapshot *state.Snapshot `json:"snapshot,omitempty"`
	Cadence  time.Duration   `json:"-"`
}

type subscriber struct {
	id         string
	roomID     string
	lastAcked  uint64
	cadence    time.Duration
	backlog    []delta.Delta
	overflowed bool
	lastSeen   time.Time
}

// Manager owns every subscriber across rooms. One mutex guards the
// registry; per-subscriber work under it is O(K) at worst, so commits never
// stall behind a slow consumer.
type Manager struct {
	mu     sync.Mutex
	cfg    config.Config
	source SnapshotSource
	log    *zap.SugaredLogger
	subs   map[string]*subscriber
	byRoom map[string]map[string]*subscriber
	clock  func() time.Time

	// onFallback is invoked (outside delivery) whenever a backlog overflow
	// forces a snapshot fallback; used for telemetry.
	onFallback func(roomID string)
}

// NewManager returns an empty manager reading snapshots from source.
func NewManager(cfg config.Config, source SnapshotSource, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		cfg:    cfg.Normalized(),
		source: source,
		log:    log,
		subs:   make(map[string]*subscriber),
		byRoom: make(map[string]map[string]*subscriber),
		clock:  time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// SetFallbackHook registers the overflow observer.
func (m *Manager) SetFallbackHook(fn func(roomID string)) {
	m.mu.Lock()
	m.onFallback = fn
	m.mu.Unlock()
}

// Subscribe registers a new observer for the room and returns its id. The
// first poll delivers a full snapshot; cadence for every subscriber of the
// room is recomputed from the new count.
func (m *Manager) Subscribe(roomID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	s := &subscriber{id: id, roomID: roomID, lastSeen: m.clock()}
	m.subs[id] = s
	room := m.byRoom[roomID]
	if room == nil {
		room = make(map[string]*subscriber)
		m.byRoom[roomID] = room
	}
	room[id] = s
	m.recomputeCadenceLocked(roomID)
	return id
}

// Unsubscribe tears the subscriber down synchronously: its backlog is
// released and no later delivery can observe it.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	m.removeLocked(s)
	return nil
}

// Heartbeat refreshes the idle clock for the subscriber.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	s.lastSeen = m.clock()
	return nil
}

// Publish appends the commit's delta to every subscriber of the room. A
// backlog already at capacity is dropped wholesale and the subscriber is
// flagged for the snapshot fallback, which bounds memory at O(K) per
// subscriber regardless of commit rate.
func (m *Manager) Publish(roomID string, d delta.Delta) {
	var overflowRooms []string
	m.mu.Lock()
	for _, s := range m.byRoom[roomID] {
		if s.overflowed {
			continue
		}
		if len(s.backlog) >= m.cfg.SubscriberBacklogCapacity {
			s.backlog = nil
			s.overflowed = true
			overflowRooms = append(overflowRooms, roomID)
			continue
		}
		s.backlog = append(s.backlog, d)
	}
	hook := m.onFallback
	m.mu.Unlock()
	if hook != nil {
		for _, room := range overflowRooms {
			hook(room)
		}
	}
}

// Poll returns what the subscriber should receive right now: nothing, a
// composed delta, or a full snapshot when this is the first poll, the
// backlog overflowed, the chain is broken, or the subscriber is past the
// staleness threshold.
func (m *Manager) Poll(id string) (Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return Update{}, fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	s.lastSeen = m.clock()

	current, err := m.source.Get(s.roomID)
	if err != nil {
		return Update{}, err
	}
	if s.lastAcked == current.Version {
		s.backlog = s.backlog[:0]
		return Update{Kind: KindNone, Cadence: s.cadence}, nil
	}

	gap := current.Version - s.lastAcked
	if s.lastAcked == 0 || s.overflowed || gap > m.cfg.DeltaStalenessThreshold {
		return m.deliverSnapshotLocked(s, current), nil
	}

	composed, ok := m.composeBacklogLocked(s, current.Version)
	if !ok {
		return m.deliverSnapshotLocked(s, current), nil
	}
	s.lastAcked = composed.ToVersion
	s.backlog = s.backlog[:0]
	return Update{Kind: KindDelta, Delta: &composed, Cadence: s.cadence}, nil
}

// Cadence reports the subscriber's current update interval.
func (m *Manager) Cadence(id string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	return s.cadence, nil
}

// RoomCadence reports the interval currently assigned to the room's
// subscribers.
func (m *Manager) RoomCadence(roomID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.CadenceFor(len(m.byRoom[roomID]))
}

// Count reports the number of subscribers for the room.
func (m *Manager) Count(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRoom[roomID])
}

// SweepIdle removes every subscriber whose last heartbeat or poll is older
// than the idle timeout, and returns the removed ids. Teardown is
// synchronous: a swept subscriber can never receive another delivery.
func (m *Manager) SweepIdle(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.cfg.SubscriberIdleTimeout)
	var removed []string
	for id, s := range m.subs {
		if s.lastSeen.Before(cutoff) {
			m.removeLocked(s)
			removed = append(removed, id)
		}
	}
	return removed
}

// DropRoom removes every subscriber of the room, for when the room itself
// is torn down.
func (m *Manager) DropRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byRoom[roomID] {
		delete(m.subs, s.id)
	}
	delete(m.byRoom, roomID)
}

func (m *Manager) deliverSnapshotLocked(s *subscriber, current *state.Snapshot) Update {
	s.lastAcked = current.Version
	s.backlog = s.backlog[:0]
	s.overflowed = false
	return Update{Kind: KindSnapshot, Snapshot: current, Cadence: s.cadence}
}

// composeBacklogLocked folds the buffered deltas into a single delta
// covering lastAcked through target. Entries already acknowledged are
// skipped; any break in the version chain aborts the fold.
func (m *Manager) composeBacklogLocked(s *subscriber, target uint64) (delta.Delta, bool) {
	cursor := s.lastAcked
	composed := delta.Delta{BaseVersion: cursor, ToVersion: cursor}
	for _, d := range s.backlog {
		if d.ToVersion <= cursor {
			continue
		}
		if d.BaseVersion != cursor {
			return delta.Delta{}, false
		}
		merged, err := delta.Compose(composed, d)
		if err != nil {
			return delta.Delta{}, false
		}
		composed = merged
		cursor = d.ToVersion
	}
	if cursor != target {
		return delta.Delta{}, false
	}
	return composed, true
}

func (m *Manager) removeLocked(s *subscriber) {
	delete(m.subs, s.id)
	if room := m.byRoom[s.roomID]; room != nil {
		delete(room, s.id)
		if len(room) == 0 {
			delete(m.byRoom, s.roomID)
		}
	}
	m.recomputeCadenceLocked(s.roomID)
}

// recomputeCadenceLocked reassigns the tier interval to every subscriber of
// the room after a count change.
func (m *Manager) recomputeCadenceLocked(roomID string) {
	room := m.byRoom[roomID]
	interval := m.cfg.CadenceFor(len(room))
	for _, s := range room {
		s.cadence = interval
	}
}
