// Package quota enforces size and membership ceilings on room state before
// a commit is published.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"turnroom/internal/state"
)

// ErrQuotaExceeded reports that a mutation would push the room past a
// configured ceiling. It is surfaced to the submitting caller only and the
// room's version does not advance.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Guard evaluates quota ceilings for candidate snapshots. The zero Guard
// accepts everything.
type Guard struct {
	maxBytes   int
	maxPlayers int
	log        *zap.SugaredLogger
}

// New returns a guard with the given ceilings. A ceiling of zero disables
// that check.
func New(maxBytes, maxPlayers int, log *zap.SugaredLogger) *Guard {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guard{maxBytes: maxBytes, maxPlayers: maxPlayers, log: log}
}

// Check estimates the serialized size of the candidate snapshot and rejects
// it if either ceiling would be exceeded. Rejections are logged at the room
// level for capacity planning.
func (g *Guard) Check(next *state.Snapshot) error {
	if g == nil || next == nil {
		return nil
	}
	if g.maxPlayers > 0 && len(next.Players) > g.maxPlayers {
		g.log.Warnw("room over player ceiling",
			"room", next.ID, "players", len(next.Players), "ceiling", g.maxPlayers)
		return fmt.Errorf("%w: %d players exceeds ceiling %d", ErrQuotaExceeded, len(next.Players), g.maxPlayers)
	}
	if g.maxBytes > 0 {
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("quota: estimate room size: %w", err)
		}
		if len(encoded) > g.maxBytes {
			g.log.Warnw("room over size ceiling",
				"room", next.ID, "bytes", len(encoded), "ceiling", g.maxBytes)
			return fmt.Errorf("%w: %d bytes exceeds ceiling %d", ErrQuotaExceeded, len(encoded), g.maxBytes)
		}
	}
	return nil
}
