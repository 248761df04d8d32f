// Package rank maintains an incrementally updated leaderboard per room.
// The board keeps a slice ordered by score (descending) with ties broken by
// ascending join version, plus a position index per player, so a single
// score change repositions one entry instead of re-sorting the room.
package rank

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"turnroom/internal/state"
)

// ErrUnranked reports a player id the board does not track.
var ErrUnranked = errors.New("rank: player not on board")

// Entry is one leaderboard row. Rank is 1-based and derived, never stored
// as ground truth.
type Entry struct {
	PlayerID string `json:"id"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

type slot struct {
	id     string
	score  int
	joined uint64
}

// Board is the ordered leaderboard for one room. Safe for concurrent use;
// readers only contend with the short reposition critical section.
type Board struct {
	mu      sync.RWMutex
	ordered []slot
	index   map[string]int
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{index: make(map[string]int)}
}

// Rebuild replaces the board contents from a full snapshot. O(n log n);
// used on cold start and after bulk membership changes.
func (b *Board) Rebuild(snap *state.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ordered = b.ordered[:0]
	b.index = make(map[string]int, len(snap.Players))
	for _, p := range snap.Players {
		b.ordered = append(b.ordered, slot{id: p.ID, score: p.Score, joined: p.JoinedAtVersion})
	}
	sort.SliceStable(b.ordered, func(i, j int) bool {
		return ranksBefore(b.ordered[i], b.ordered[j])
	})
	b.reindexLocked(0)
}

// Add inserts a new player at the position their score and join version
// dictate. O(log n) search plus the shift.
func (b *Board) Add(p state.Player) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.index[p.ID]; ok {
		return
	}
	b.insertLocked(slot{id: p.ID, score: p.Score, joined: p.JoinedAtVersion})
}

// Remove drops a player from the board. Missing ids are ignored.
func (b *Board) Remove(playerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.index[playerID]
	if !ok {
		return
	}
	b.ordered = append(b.ordered[:pos], b.ordered[pos+1:]...)
	delete(b.index, playerID)
	b.reindexLocked(pos)
}

// ApplyScore repositions a single player after a score change. Players not
// yet tracked are inserted, which lets the board absorb deltas replayed
// from an older version.
func (b *Board) ApplyScore(playerID string, newScore int, joined uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.index[playerID]
	if !ok {
		b.insertLocked(slot{id: playerID, score: newScore, joined: joined})
		return
	}
	entry := b.ordered[pos]
	entry.score = newScore
	b.ordered = append(b.ordered[:pos], b.ordered[pos+1:]...)
	delete(b.index, playerID)
	b.reindexLocked(pos)
	b.insertLocked(entry)
}

// TopK returns the best n entries in rank order.
func (b *Board) TopK(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.ordered) {
		n = len(b.ordered)
	}
	return b.entriesLocked(0, n)
}

// Around returns the entries ranked within window positions of the given
// player, the player included.
func (b *Board) Around(playerID string, window int) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.index[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnranked, playerID)
	}
	if window < 0 {
		window = 0
	}
	lo := pos - window
	if lo < 0 {
		lo = 0
	}
	hi := pos + window + 1
	if hi > len(b.ordered) {
		hi = len(b.ordered)
	}
	return b.entriesLocked(lo, hi), nil
}

// Full returns the complete leaderboard in rank order.
func (b *Board) Full() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entriesLocked(0, len(b.ordered))
}

// RankOf returns the 1-based rank of the player.
func (b *Board) RankOf(playerID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.index[playerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnranked, playerID)
	}
	return pos + 1, nil
}

// Len reports how many players the board tracks.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ordered)
}

// insertLocked places the slot at its ordered position via binary search.
func (b *Board) insertLocked(entry slot) {
	pos := sort.Search(len(b.ordered), func(i int) bool {
		return ranksBefore(entry, b.ordered[i])
	})
	b.ordered = append(b.ordered, slot{})
	copy(b.ordered[pos+1:], b.ordered[pos:])
	b.ordered[pos] = entry
	b.reindexLocked(pos)
}

// reindexLocked refreshes the position index from pos to the end. Shifts
// only touch the tail, so the cost tracks the distance moved.
func (b *Board) reindexLocked(pos int) {
	for i := pos; i < len(b.ordered); i++ {
		b.index[b.ordered[i].id] = i
	}
}

func (b *Board) entriesLocked(lo, hi int) []Entry {
	out := make([]Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, Entry{PlayerID: b.ordered[i].id, Score: b.ordered[i].score, Rank: i + 1})
	}
	return out
}

// ranksBefore orders by descending score, then ascending join version so
// earlier joiners win ties deterministically.
func ranksBefore(a, c slot) bool {
	if a.score != c.score {
		return a.score > c.score
	}
	return a.joined < c.joined
}
