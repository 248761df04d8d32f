package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"turnroom/internal/delta"
	"turnroom/internal/quota"
	"turnroom/internal/state"
	"turnroom/internal/store"
)

func newTestMachine(t *testing.T, maxTurns int, guard store.Guard) (*Machine, *store.Store) {
	t.Helper()
	st := store.New(guard)
	m := New(st, 2, maxTurns, nil)
	seq := 0
	m.SetIDSource(func() string {
		seq++
		return fmt.Sprintf("p%d", seq)
	})
	if _, err := m.Create("room-1"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return m, st
}

func joinPlayers(t *testing.T, m *Machine, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, _, err := m.Join("room-1", name)
		if err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestJoinAssignsHostAndJoinOrder(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "Alice", "Bob", "Cara")

	snap, err := m.store.Get("room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.HostID != ids[0] {
		t.Fatalf("expected first joiner as host, got %s", snap.HostID)
	}
	var last uint64
	for _, p := range snap.Players {
		if p.JoinedAtVersion <= last {
			t.Fatalf("join versions not strictly increasing: %+v", snap.Players)
		}
		last = p.JoinedAtVersion
	}
}

func TestJoinRejectedOutsideLobby(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "Alice", "Bob")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := m.Join("room-1", "Late"); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("expected ErrInvalidPhaseTransition, got %v", err)
	}
}

func TestStartRequiresHostAndMinimum(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "Alice")

	if _, err := m.Start("room-1", ids[0]); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("expected minimum-player rejection, got %v", err)
	}

	ids = append(ids, joinPlayers(t, m, "Bob")...)
	if _, err := m.Start("room-1", ids[1]); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}

	snap, err := m.Start("room-1", ids[0])
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.Phase != state.PhaseActive {
		t.Fatalf("expected active phase, got %s", snap.Phase)
	}
	if snap.CurrentTurn != ids[0] {
		t.Fatalf("expected first joiner to take the opening turn, got %s", snap.CurrentTurn)
	}
}

func TestScoringValidation(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "Alice", "Bob")

	// Scoring before the game starts.
	snap, _ := m.store.Get("room-1")
	if _, err := m.SubmitScore("room-1", ids[0], snap.Version, 5); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("expected phase rejection in lobby, got %v", err)
	}

	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, _ = m.store.Get("room-1")

	// Wrong player.
	if _, err := m.SubmitScore("room-1", ids[1], snap.Version, 5); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	// Stale base version.
	if _, err := m.SubmitScore("room-1", ids[0], snap.Version-1, 5); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	// Negative points.
	if _, err := m.SubmitScore("room-1", ids[0], snap.Version, -1); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected ErrInvalidScore, got %v", err)
	}

	next, err := m.SubmitScore("room-1", ids[0], snap.Version, 5)
	if err != nil {
		t.Fatalf("valid score rejected: %v", err)
	}
	p, _ := next.PlayerByID(ids[0])
	if p.Score != 5 {
		t.Fatalf("expected score 5, got %d", p.Score)
	}
	if next.CurrentTurn != ids[1] {
		t.Fatalf("expected turn to advance to %s, got %s", ids[1], next.CurrentTurn)
	}
}

// N concurrent submissions with the same base version: exactly one wins and
// the rest fail as stale writes.
func TestConcurrentSameBaseVersionSingleWinner(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "Alice", "Bob")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, _ := m.store.Get("room-1")

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes, stale int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SubmitScore("room-1", ids[0], snap.Version, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrStaleWrite):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	if stale != attempts-1 {
		t.Fatalf("expected %d rejected submissions, got %d", attempts-1, stale)
	}
	final, _ := m.store.Get("room-1")
	p, _ := final.PlayerByID(ids[0])
	if p.Score != 1 {
		t.Fatalf("expected score 1 after single winning commit, got %d", p.Score)
	}
}

// Four players join in order; B disconnects; after A's turn the rotation
// lands on C.
func TestTurnAdvanceSkipsDisconnected(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B", "C", "D")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.SetStatus("room-1", ids[1], state.StatusDisconnected); err != nil {
		t.Fatalf("disconnect B: %v", err)
	}

	snap, _ := m.store.Get("room-1")
	if snap.CurrentTurn != ids[0] {
		t.Fatalf("expected A to hold the turn, got %s", snap.CurrentTurn)
	}
	next, err := m.SubmitScore("room-1", ids[0], snap.Version, 3)
	if err != nil {
		t.Fatalf("A's score: %v", err)
	}
	if next.CurrentTurn != ids[2] {
		t.Fatalf("expected turn to skip B and land on C, got %s", next.CurrentTurn)
	}
}

func TestIdlePlayerKeepsTurn(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.SetStatus("room-1", ids[1], state.StatusIdle); err != nil {
		t.Fatalf("idle B: %v", err)
	}
	snap, _ := m.store.Get("room-1")
	next, err := m.EndTurn("room-1", ids[0], snap.Version)
	if err != nil {
		t.Fatalf("end turn: %v", err)
	}
	if next.CurrentTurn != ids[1] {
		t.Fatalf("idle players stay in rotation; expected %s, got %s", ids[1], next.CurrentTurn)
	}
}

func TestDisconnectingTurnHolderAdvancesTurn(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B", "C")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	next, err := m.SetStatus("room-1", ids[0], state.StatusDisconnected)
	if err != nil {
		t.Fatalf("disconnect A: %v", err)
	}
	if next.CurrentTurn != ids[1] {
		t.Fatalf("expected turn to pass to B, got %s", next.CurrentTurn)
	}
}

func TestAllButOneDisconnectedFinishesRoom(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B", "C")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.SetStatus("room-1", ids[1], state.StatusDisconnected); err != nil {
		t.Fatalf("disconnect B: %v", err)
	}
	next, err := m.SetStatus("room-1", ids[2], state.StatusDisconnected)
	if err != nil {
		t.Fatalf("disconnect C: %v", err)
	}
	if next.Phase != state.PhaseFinished {
		t.Fatalf("expected finished phase with one player left, got %s", next.Phase)
	}
	if next.CurrentTurn != "" {
		t.Fatalf("finished room should have no turn holder, got %s", next.CurrentTurn)
	}
}

func TestMaxTurnsFinishesRoom(t *testing.T) {
	m, _ := newTestMachine(t, 3, nil)
	ids := joinPlayers(t, m, "A", "B")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	order := []string{ids[0], ids[1], ids[0]}
	var snap *state.Snapshot
	for i, player := range order {
		cur, _ := m.store.Get("room-1")
		next, err := m.SubmitScore("room-1", player, cur.Version, 1)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		snap = next
	}
	if snap.Phase != state.PhaseFinished {
		t.Fatalf("expected room finished after 3 turns, got %s", snap.Phase)
	}
	if snap.TurnsTaken != 3 {
		t.Fatalf("expected 3 turns taken, got %d", snap.TurnsTaken)
	}
}

func TestFinishedRoomIsReadOnly(t *testing.T) {
	m, _ := newTestMachine(t, 1, nil)
	ids := joinPlayers(t, m, "A", "B")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	cur, _ := m.store.Get("room-1")
	if _, err := m.SubmitScore("room-1", ids[0], cur.Version, 1); err != nil {
		t.Fatalf("final turn: %v", err)
	}
	cur, _ = m.store.Get("room-1")
	if _, err := m.SubmitScore("room-1", ids[1], cur.Version, 1); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("expected read-only rejection, got %v", err)
	}
}

// Four players in join order; after A and B have played the turn sits on C.
// C leaving must hand the turn to D, not restart the rotation at A.
func TestLeavingTurnHolderPassesToNextInJoinOrder(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B", "C", "D")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, player := range []string{ids[0], ids[1]} {
		cur, _ := m.store.Get("room-1")
		if _, err := m.EndTurn("room-1", player, cur.Version); err != nil {
			t.Fatalf("end turn for %s: %v", player, err)
		}
	}

	snap, err := m.Leave("room-1", ids[2])
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if snap.CurrentTurn != ids[3] {
		t.Fatalf("expected turn to pass to D, got %s", snap.CurrentTurn)
	}
}

func TestHostMigratesOnLeave(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B", "C")
	snap, err := m.Leave("room-1", ids[0])
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if snap.HostID != ids[1] {
		t.Fatalf("expected host to migrate to earliest joiner %s, got %s", ids[1], snap.HostID)
	}
}

// A join that would push the serialized room over the quota is rejected and
// the version does not advance.
func TestQuotaRejectionLeavesRoomUnchanged(t *testing.T) {
	st := store.New(quota.New(0, 2, nil))
	m := New(st, 2, 0, nil)
	seq := 0
	m.SetIDSource(func() string {
		seq++
		return fmt.Sprintf("p%d", seq)
	})
	if _, err := m.Create("room-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	joinPlayers(t, m, "A", "B")

	before, _ := st.Get("room-1")
	_, _, err := m.Join("room-1", "C")
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	after, _ := st.Get("room-1")
	if after.Version != before.Version {
		t.Fatalf("quota rejection advanced version %d -> %d", before.Version, after.Version)
	}
	if len(after.Players) != 2 {
		t.Fatalf("quota rejection changed membership: %d players", len(after.Players))
	}
}

func TestQuotaByteCeiling(t *testing.T) {
	st := store.New(quota.New(256, 0, nil))
	m := New(st, 2, 0, nil)
	if _, err := m.Create("room-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	var lastErr error
	for i := 0; i < 50; i++ {
		_, _, err := m.Join("room-1", fmt.Sprintf("player-with-a-rather-long-name-%02d", i))
		if err != nil {
			lastErr = err
			break
		}
	}
	if !errors.Is(lastErr, quota.ErrQuotaExceeded) {
		t.Fatalf("expected byte ceiling to reject eventually, got %v", lastErr)
	}
}

// Racing commits must reach the listener in version order; rank maintenance
// applies absolute scores and would keep a stale value otherwise.
func TestCommitListenerDeliversInVersionOrder(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	ids := joinPlayers(t, m, "A", "B")

	var mu sync.Mutex
	var order []uint64
	m.SetCommitListener(func(_ *state.Snapshot, d delta.Delta) {
		mu.Lock()
		order = append(order, d.ToVersion)
		mu.Unlock()
	})

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := m.Rename("room-1", ids[n%2], fmt.Sprintf("name-%d", n)); err != nil {
				t.Errorf("rename: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(order) != writers {
		t.Fatalf("expected %d deliveries, got %d", writers, len(order))
	}
	for i := 1; i < len(order); i++ {
		if order[i] != order[i-1]+1 {
			t.Fatalf("deliveries out of version order: %v", order)
		}
	}
}

func TestCommitListenerReceivesDeltas(t *testing.T) {
	m, _ := newTestMachine(t, 0, nil)
	var got []delta.Delta
	m.SetCommitListener(func(_ *state.Snapshot, d delta.Delta) {
		got = append(got, d)
	})
	ids := joinPlayers(t, m, "A", "B")
	if _, err := m.Start("room-1", ids[0]); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 commit deltas, got %d", len(got))
	}
	for i, d := range got {
		if d.ToVersion != d.BaseVersion+1 {
			t.Fatalf("delta %d spans more than one version: %d -> %d", i, d.BaseVersion, d.ToVersion)
		}
	}
	if len(got[0].PlayerAdds) != 1 || got[0].PlayerAdds[0].ID != ids[0] {
		t.Fatalf("first delta should add %s, got %+v", ids[0], got[0])
	}
	last := got[2]
	if last.PhaseChange == nil || *last.PhaseChange != state.PhaseActive {
		t.Fatalf("start delta missing phase change: %+v", last)
	}
	if last.TurnChange == nil || *last.TurnChange != ids[0] {
		t.Fatalf("start delta missing turn change: %+v", last)
	}
}
