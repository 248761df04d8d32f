package sub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"turnroom/internal/config"
	"turnroom/internal/delta"
	"turnroom/internal/state"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]*state.Snapshot
}

func newFakeSource() *fakeSource {
	return &fakeSource{snaps: make(map[string]*state.Snapshot)}
}

func (f *fakeSource) set(snap *state.Snapshot) {
	f.mu.Lock()
	f.snaps[snap.ID] = snap
	f.mu.Unlock()
}

func (f *fakeSource) Get(roomID string) (*state.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[roomID]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", roomID)
	}
	return snap, nil
}

func snapshotAt(version uint64) *state.Snapshot {
	return &state.Snapshot{
		ID:      "room-1",
		Version: version,
		Phase:   state.PhaseActive,
		Players: []state.Player{{ID: "alice", Score: int(version), Status: state.StatusActive, JoinedAtVersion: 1}},
	}
}

func scoreDelta(base uint64) delta.Delta {
	return delta.Delta{
		BaseVersion:  base,
		ToVersion:    base + 1,
		ScoreChanges: []delta.ScoreChange{{ID: "alice", NewScore: int(base + 1)}},
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CadenceTiers = []config.CadenceTier{
		{MaxSubscribers: 15, Interval: 2 * time.Second},
		{MaxSubscribers: 30, Interval: 5 * time.Second},
	}
	cfg.SubscriberBacklogCapacity = 3
	cfg.DeltaStalenessThreshold = 10
	return cfg
}

func TestFirstPollDeliversSnapshot(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(4))
	m := NewManager(testConfig(), source, nil)

	id := m.Subscribe("room-1")
	update, err := m.Poll(id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Kind != KindSnapshot {
		t.Fatalf("expected snapshot on first poll, got %s", update.Kind)
	}
	if update.Snapshot.Version != 4 {
		t.Fatalf("expected snapshot at version 4, got %d", update.Snapshot.Version)
	}
}

func TestPollNoChangeWhenCurrent(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(4))
	m := NewManager(testConfig(), source, nil)

	id := m.Subscribe("room-1")
	if _, err := m.Poll(id); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	update, err := m.Poll(id)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if update.Kind != KindNone {
		t.Fatalf("expected no change, got %s", update.Kind)
	}
}

func TestPollComposesBackloggedDeltas(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(4))
	m := NewManager(testConfig(), source, nil)

	id := m.Subscribe("room-1")
	if _, err := m.Poll(id); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	m.Publish("room-1", scoreDelta(4))
	m.Publish("room-1", scoreDelta(5))
	source.set(snapshotAt(6))

	update, err := m.Poll(id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Kind != KindDelta {
		t.Fatalf("expected composed delta, got %s", update.Kind)
	}
	if update.Delta.BaseVersion != 4 || update.Delta.ToVersion != 6 {
		t.Fatalf("composed bounds wrong: %d -> %d", update.Delta.BaseVersion, update.Delta.ToVersion)
	}
	if len(update.Delta.ScoreChanges) != 1 || update.Delta.ScoreChanges[0].NewScore != 6 {
		t.Fatalf("expected folded score change to 6, got %+v", update.Delta.ScoreChanges)
	}

	// Acked; next poll is a no-op.
	update, err = m.Poll(id)
	if err != nil {
		t.Fatalf("follow-up poll: %v", err)
	}
	if update.Kind != KindNone {
		t.Fatalf("expected no change after ack, got %s", update.Kind)
	}
}

// A backlog past capacity is dropped wholesale and the next poll heals the
// subscriber with a full snapshot: memory stays O(K) under any commit rate.
func TestBacklogOverflowFallsBackToSnapshot(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	m := NewManager(testConfig(), source, nil)

	var fallbacks int
	m.SetFallbackHook(func(string) { fallbacks++ })

	id := m.Subscribe("room-1")
	if _, err := m.Poll(id); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// Capacity is 3; the fourth publish overflows.
	for v := uint64(1); v <= 5; v++ {
		m.Publish("room-1", scoreDelta(v))
	}
	source.set(snapshotAt(6))

	update, err := m.Poll(id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Kind != KindSnapshot {
		t.Fatalf("expected snapshot fallback after overflow, got %s", update.Kind)
	}
	if update.Snapshot.Version != 6 {
		t.Fatalf("fallback should carry the current snapshot, got version %d", update.Snapshot.Version)
	}
	if fallbacks == 0 {
		t.Fatalf("expected the fallback hook to fire")
	}

	// Recovered: subsequent deltas flow normally again.
	m.Publish("room-1", scoreDelta(6))
	source.set(snapshotAt(7))
	update, err = m.Poll(id)
	if err != nil {
		t.Fatalf("post-recovery poll: %v", err)
	}
	if update.Kind != KindDelta {
		t.Fatalf("expected delta after recovery, got %s", update.Kind)
	}
}

func TestStalenessThresholdForcesSnapshot(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	cfg := testConfig()
	cfg.DeltaStalenessThreshold = 3
	cfg.SubscriberBacklogCapacity = 100
	m := NewManager(cfg, source, nil)

	id := m.Subscribe("room-1")
	if _, err := m.Poll(id); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	for v := uint64(1); v <= 5; v++ {
		m.Publish("room-1", scoreDelta(v))
	}
	source.set(snapshotAt(6))

	update, err := m.Poll(id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Kind != KindSnapshot {
		t.Fatalf("gap of 5 over threshold 3 should force a snapshot, got %s", update.Kind)
	}
}

func TestBrokenChainFallsBackToSnapshot(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	m := NewManager(testConfig(), source, nil)

	id := m.Subscribe("room-1")
	if _, err := m.Poll(id); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	// Missing the delta for 1 -> 2.
	m.Publish("room-1", scoreDelta(2))
	source.set(snapshotAt(3))

	update, err := m.Poll(id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Kind != KindSnapshot {
		t.Fatalf("broken chain should fall back to snapshot, got %s", update.Kind)
	}
}

// Crossing a tier boundary retunes every subscriber of the room.
func TestCadenceTierCrossing(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	m := NewManager(testConfig(), source, nil)

	ids := make([]string, 0, 16)
	for i := 0; i < 15; i++ {
		ids = append(ids, m.Subscribe("room-1"))
	}
	for _, id := range ids {
		cadence, err := m.Cadence(id)
		if err != nil {
			t.Fatalf("cadence: %v", err)
		}
		if cadence != 2*time.Second {
			t.Fatalf("expected fast tier at 15 subscribers, got %v", cadence)
		}
	}

	ids = append(ids, m.Subscribe("room-1"))
	for _, id := range ids {
		cadence, err := m.Cadence(id)
		if err != nil {
			t.Fatalf("cadence: %v", err)
		}
		if cadence != 5*time.Second {
			t.Fatalf("expected medium tier at 16 subscribers, got %v", cadence)
		}
	}

	// Dropping back under the boundary retunes again.
	if err := m.Unsubscribe(ids[len(ids)-1]); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	cadence, err := m.Cadence(ids[0])
	if err != nil {
		t.Fatalf("cadence: %v", err)
	}
	if cadence != 2*time.Second {
		t.Fatalf("expected fast tier after dropping to 15, got %v", cadence)
	}
}

func TestUnsubscribeIsSynchronous(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	m := NewManager(testConfig(), source, nil)

	id := m.Subscribe("room-1")
	if err := m.Unsubscribe(id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := m.Poll(id); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound, got %v", err)
	}
	if err := m.Unsubscribe(id); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("double unsubscribe should fail, got %v", err)
	}
	// Publishing to a room with no subscribers is a no-op.
	m.Publish("room-1", scoreDelta(1))
	if m.Count("room-1") != 0 {
		t.Fatalf("expected no subscribers, got %d", m.Count("room-1"))
	}
}

func TestSweepIdleRemovesOnlyExpired(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	cfg := testConfig()
	cfg.SubscriberIdleTimeout = time.Minute

	now := time.Unix(1000, 0)
	m := NewManager(cfg, source, nil)
	m.SetClock(func() time.Time { return now })

	stale := m.Subscribe("room-1")
	fresh := m.Subscribe("room-1")

	now = now.Add(50 * time.Second)
	if err := m.Heartbeat(fresh); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	now = now.Add(30 * time.Second)
	removed := m.SweepIdle(now)
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("expected only the stale subscriber swept, got %v", removed)
	}
	if _, err := m.Poll(stale); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("swept subscriber still pollable: %v", err)
	}
	if _, err := m.Poll(fresh); err != nil {
		t.Fatalf("fresh subscriber should survive the sweep: %v", err)
	}
}

func TestDropRoomRemovesAllSubscribers(t *testing.T) {
	source := newFakeSource()
	source.set(snapshotAt(1))
	m := NewManager(testConfig(), source, nil)

	a := m.Subscribe("room-1")
	b := m.Subscribe("room-1")
	m.DropRoom("room-1")
	for _, id := range []string{a, b} {
		if _, err := m.Poll(id); !errors.Is(err, ErrSubscriberNotFound) {
			t.Fatalf("expected subscriber %s gone, got %v", id, err)
		}
	}
}
