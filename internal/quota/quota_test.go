package quota

import (
	"errors"
	"strings"
	"testing"

	"turnroom/internal/state"
)

func roomWithPlayers(n int) *state.Snapshot {
	snap := &state.Snapshot{ID: "room-1"}
	for i := 0; i < n; i++ {
		snap.Players = append(snap.Players, state.Player{ID: "p", Name: "player"})
	}
	return snap
}

func TestPlayerCeiling(t *testing.T) {
	g := New(0, 4, nil)
	if err := g.Check(roomWithPlayers(4)); err != nil {
		t.Fatalf("at the ceiling should pass: %v", err)
	}
	if err := g.Check(roomWithPlayers(5)); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestByteCeiling(t *testing.T) {
	g := New(256, 0, nil)
	small := roomWithPlayers(1)
	if err := g.Check(small); err != nil {
		t.Fatalf("small room should pass: %v", err)
	}
	big := roomWithPlayers(1)
	big.Players[0].Name = strings.Repeat("x", 1024)
	if err := g.Check(big); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestZeroCeilingsDisableChecks(t *testing.T) {
	g := New(0, 0, nil)
	big := roomWithPlayers(500)
	big.Players[0].Name = strings.Repeat("x", 1<<20)
	if err := g.Check(big); err != nil {
		t.Fatalf("disabled guard rejected a snapshot: %v", err)
	}
}

func TestNilGuardAndNilSnapshot(t *testing.T) {
	var g *Guard
	if err := g.Check(roomWithPlayers(1)); err != nil {
		t.Fatalf("nil guard should accept everything: %v", err)
	}
	if err := New(10, 10, nil).Check(nil); err != nil {
		t.Fatalf("nil snapshot should pass: %v", err)
	}
}
