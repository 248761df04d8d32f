// Package delta computes and applies field-level diffs between room
// snapshots. Deltas are the unit of fan-out: subscribers receive them in
// version order and apply them to their last-acknowledged snapshot.
package delta

import (
	"errors"
	"fmt"
	"sort"

	"turnroom/internal/state"
)

// ErrVersionMismatch reports that a delta's base version does not match the
// snapshot it is being applied to, or that two deltas do not chain.
var ErrVersionMismatch = errors.New("delta: version mismatch")

// ScoreChange records the authoritative score for one player after a commit.
// The absolute value, not an increment, keeps application idempotent.
type ScoreChange struct {
	ID       string `json:"id"`
	NewScore int    `json:"newScore"`
}

// StatusChange records a player's connection-status transition.
type StatusChange struct {
	ID     string       `json:"id"`
	Status state.Status `json:"status"`
}

// NameChange records a display-name change.
type NameChange struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Delta describes the minimal set of changes between two snapshot versions.
// The zero value with matching base and to versions is the empty delta.
type Delta struct {
	BaseVersion   uint64         `json:"baseVersion"`
	ToVersion     uint64         `json:"toVersion"`
	PlayerAdds    []state.Player `json:"playerAdds,omitempty"`
	PlayerRemoves []string       `json:"playerRemoves,omitempty"`
	ScoreChanges  []ScoreChange  `json:"scoreChanges,omitempty"`
	StatusChanges []StatusChange `json:"statusChanges,omitempty"`
	NameChanges   []NameChange   `json:"nameChanges,omitempty"`
	PhaseChange   *state.Phase   `json:"phaseChange,omitempty"`
	TurnChange    *string        `json:"turnChange,omitempty"`
	HostChange    *string        `json:"hostChange,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.PlayerAdds) == 0 && len(d.PlayerRemoves) == 0 &&
		len(d.ScoreChanges) == 0 && len(d.StatusChanges) == 0 &&
		len(d.NameChanges) == 0 && d.PhaseChange == nil &&
		d.TurnChange == nil && d.HostChange == nil
}

// Diff structurally compares two snapshots and returns the delta that turns
// prev into next. Cost is proportional to the player count of the two
// snapshots; the commit path avoids even that by emitting deltas from dirty
// tracking and reserves Diff for catch-up and verification.
func Diff(prev, next *state.Snapshot) Delta {
	d := Delta{BaseVersion: prev.Version, ToVersion: next.Version}

	prevByID := make(map[string]state.Player, len(prev.Players))
	for _, p := range prev.Players {
		prevByID[p.ID] = p
	}
	seen := make(map[string]struct{}, len(next.Players))
	for _, p := range next.Players {
		seen[p.ID] = struct{}{}
		before, ok := prevByID[p.ID]
		if !ok {
			d.PlayerAdds = append(d.PlayerAdds, p)
			continue
		}
		if before.Score != p.Score {
			d.ScoreChanges = append(d.ScoreChanges, ScoreChange{ID: p.ID, NewScore: p.Score})
		}
		if before.Status != p.Status {
			d.StatusChanges = append(d.StatusChanges, StatusChange{ID: p.ID, Status: p.Status})
		}
		if before.Name != p.Name {
			d.NameChanges = append(d.NameChanges, NameChange{ID: p.ID, Name: p.Name})
		}
	}
	for _, p := range prev.Players {
		if _, ok := seen[p.ID]; !ok {
			d.PlayerRemoves = append(d.PlayerRemoves, p.ID)
		}
	}
	if prev.Phase != next.Phase {
		phase := next.Phase
		d.PhaseChange = &phase
	}
	if prev.CurrentTurn != next.CurrentTurn {
		turn := next.CurrentTurn
		d.TurnChange = &turn
	}
	if prev.HostID != next.HostID {
		host := next.HostID
		d.HostChange = &host
	}
	return d
}

// Apply produces the snapshot that results from applying d to snap. It is a
// pure function: snap is never mutated and the result is a fresh value. It
// fails if d.BaseVersion does not match snap.Version.
func Apply(snap *state.Snapshot, d Delta) (*state.Snapshot, error) {
	if snap.Version != d.BaseVersion {
		return nil, fmt.Errorf("%w: snapshot at %d, delta base %d", ErrVersionMismatch, snap.Version, d.BaseVersion)
	}
	next := snap.Clone()
	next.Version = d.ToVersion

	if len(d.PlayerRemoves) > 0 {
		removed := make(map[string]struct{}, len(d.PlayerRemoves))
		for _, id := range d.PlayerRemoves {
			removed[id] = struct{}{}
		}
		kept := next.Players[:0]
		for _, p := range next.Players {
			if _, gone := removed[p.ID]; !gone {
				kept = append(kept, p)
			}
		}
		next.Players = kept
	}
	for _, p := range d.PlayerAdds {
		if idx := next.PlayerIndex(p.ID); idx >= 0 {
			next.Players[idx] = p
			continue
		}
		next.Players = append(next.Players, p)
	}
	if len(d.PlayerAdds) > 0 {
		sort.SliceStable(next.Players, func(i, j int) bool {
			return next.Players[i].JoinedAtVersion < next.Players[j].JoinedAtVersion
		})
	}
	for _, sc := range d.ScoreChanges {
		if idx := next.PlayerIndex(sc.ID); idx >= 0 {
			next.Players[idx].Score = sc.NewScore
		}
	}
	for _, st := range d.StatusChanges {
		if idx := next.PlayerIndex(st.ID); idx >= 0 {
			next.Players[idx].Status = st.Status
		}
	}
	for _, nc := range d.NameChanges {
		if idx := next.PlayerIndex(nc.ID); idx >= 0 {
			next.Players[idx].Name = nc.Name
		}
	}
	if d.PhaseChange != nil {
		next.Phase = *d.PhaseChange
	}
	if d.TurnChange != nil {
		next.CurrentTurn = *d.TurnChange
	}
	if d.HostChange != nil {
		next.HostID = *d.HostChange
	}
	return next, nil
}

// Compose merges two consecutive deltas into one whose application equals
// applying a then b. It fails when the deltas do not chain.
func Compose(a, b Delta) (Delta, error) {
	if a.ToVersion != b.BaseVersion {
		return Delta{}, fmt.Errorf("%w: first delta ends at %d, second starts at %d", ErrVersionMismatch, a.ToVersion, b.BaseVersion)
	}
	out := Delta{BaseVersion: a.BaseVersion, ToVersion: b.ToVersion}

	removedByB := make(map[string]struct{}, len(b.PlayerRemoves))
	for _, id := range b.PlayerRemoves {
		removedByB[id] = struct{}{}
	}
	addedByA := make(map[string]int, len(a.PlayerAdds))
	for _, p := range a.PlayerAdds {
		if _, gone := removedByB[p.ID]; gone {
			continue
		}
		addedByA[p.ID] = len(out.PlayerAdds)
		out.PlayerAdds = append(out.PlayerAdds, p)
	}
	for _, p := range b.PlayerAdds {
		if idx, ok := addedByA[p.ID]; ok {
			out.PlayerAdds[idx] = p
			continue
		}
		out.PlayerAdds = append(out.PlayerAdds, p)
	}

	for _, id := range a.PlayerRemoves {
		out.PlayerRemoves = append(out.PlayerRemoves, id)
	}
	for _, id := range b.PlayerRemoves {
		// A player both added and removed within the window never existed
		// for the receiver; emit neither entry.
		addedEarlier := false
		for _, p := range a.PlayerAdds {
			if p.ID == id {
				addedEarlier = true
				break
			}
		}
		if addedEarlier {
			continue
		}
		out.PlayerRemoves = append(out.PlayerRemoves, id)
	}

	out.ScoreChanges = mergeScores(a.ScoreChanges, b.ScoreChanges, addedByA, out.PlayerAdds, removedByB)
	out.StatusChanges = mergeStatuses(a.StatusChanges, b.StatusChanges, addedByA, out.PlayerAdds, removedByB)
	out.NameChanges = mergeNames(a.NameChanges, b.NameChanges, addedByA, out.PlayerAdds, removedByB)

	out.PhaseChange = lastPhase(a.PhaseChange, b.PhaseChange)
	out.TurnChange = lastString(a.TurnChange, b.TurnChange)
	out.HostChange = lastString(a.HostChange, b.HostChange)
	return out, nil
}

// mergeScores keeps the latest absolute score per player, folds changes for
// players added within the window into their add entry, and drops changes for
// players removed by the second delta.
func mergeScores(first, second []ScoreChange, addIdx map[string]int, adds []state.Player, removed map[string]struct{}) []ScoreChange {
	latest := make(map[string]int)
	order := make([]string, 0, len(first)+len(second))
	for _, sc := range first {
		if _, ok := latest[sc.ID]; !ok {
			order = append(order, sc.ID)
		}
		latest[sc.ID] = sc.NewScore
	}
	for _, sc := range second {
		if _, ok := latest[sc.ID]; !ok {
			order = append(order, sc.ID)
		}
		latest[sc.ID] = sc.NewScore
	}
	var out []ScoreChange
	for _, id := range order {
		if _, gone := removed[id]; gone {
			continue
		}
		if idx, ok := addIdx[id]; ok {
			adds[idx].Score = latest[id]
			continue
		}
		out = append(out, ScoreChange{ID: id, NewScore: latest[id]})
	}
	return out
}

func mergeStatuses(first, second []StatusChange, addIdx map[string]int, adds []state.Player, removed map[string]struct{}) []StatusChange {
	latest := make(map[string]state.Status)
	order := make([]string, 0, len(first)+len(second))
	for _, st := range first {
		if _, ok := latest[st.ID]; !ok {
			order = append(order, st.ID)
		}
		latest[st.ID] = st.Status
	}
	for _, st := range second {
		if _, ok := latest[st.ID]; !ok {
			order = append(order, st.ID)
		}
		latest[st.ID] = st.Status
	}
	var out []StatusChange
	for _, id := range order {
		if _, gone := removed[id]; gone {
			continue
		}
		if idx, ok := addIdx[id]; ok {
			adds[idx].Status = latest[id]
			continue
		}
		out = append(out, StatusChange{ID: id, Status: latest[id]})
	}
	return out
}

func mergeNames(first, second []NameChange, addIdx map[string]int, adds []state.Player, removed map[string]struct{}) []NameChange {
	latest := make(map[string]string)
	order := make([]string, 0, len(first)+len(second))
	for _, nc := range first {
		if _, ok := latest[nc.ID]; !ok {
			order = append(order, nc.ID)
		}
		latest[nc.ID] = nc.Name
	}
	for _, nc := range second {
		if _, ok := latest[nc.ID]; !ok {
			order = append(order, nc.ID)
		}
		latest[nc.ID] = nc.Name
	}
	var out []NameChange
	for _, id := range order {
		if _, gone := removed[id]; gone {
			continue
		}
		if idx, ok := addIdx[id]; ok {
			adds[idx].Name = latest[id]
			continue
		}
		out = append(out, NameChange{ID: id, Name: latest[id]})
	}
	return out
}

func lastPhase(a, b *state.Phase) *state.Phase {
	if b != nil {
		phase := *b
		return &phase
	}
	if a != nil {
		phase := *a
		return &phase
	}
	return nil
}

func lastString(a, b *string) *string {
	if b != nil {
		v := *b
		return &v
	}
	if a != nil {
		v := *a
		return &v
	}
	return nil
}
