// Package config holds the recognized engine options and their defaults.
package config

import (
	"os"
	"sort"
	"strconv"
	"time"
)

const (
	DefaultMinPlayersToStart  = 2
	DefaultMaxPlayersPerRoom  = 100
	DefaultBacklogCapacity    = 32
	DefaultStalenessThreshold = 64
	DefaultRoomSizeQuotaBytes = 64 * 1024
	DefaultIdleTimeout        = 45 * time.Second
	DefaultSweepInterval      = 5 * time.Second
)

const (
	envMaxPlayers     = "TURNROOM_MAX_PLAYERS"
	envQuotaBytes     = "TURNROOM_ROOM_QUOTA_BYTES"
	envBacklog        = "TURNROOM_BACKLOG_CAPACITY"
	envStaleness      = "TURNROOM_STALENESS_THRESHOLD"
	envIdleTimeoutMS  = "TURNROOM_IDLE_TIMEOUT_MS"
	envMaxTurns       = "TURNROOM_MAX_TURNS"
	envArchivePath    = "TURNROOM_ARCHIVE_PATH"
	envSweepIntervalS = "TURNROOM_SWEEP_INTERVAL_S"
)

// CadenceTier maps a subscriber-count ceiling to an update interval.
type CadenceTier struct {
	MaxSubscribers int           `json:"maxSubscribers"`
	Interval       time.Duration `json:"interval"`
}

// Config carries every recognized engine option. The zero value is not
// usable; start from Default() or call Normalized().
type Config struct {
	MinPlayersToStart         int           `json:"minPlayersToStart"`
	MaxPlayersPerRoom         int           `json:"maxPlayersPerRoom"`
	MaxTurns                  int           `json:"maxTurns"`
	CadenceTiers              []CadenceTier `json:"cadenceTiers"`
	SubscriberBacklogCapacity int           `json:"subscriberBacklogCapacity"`
	DeltaStalenessThreshold   uint64        `json:"deltaStalenessThreshold"`
	RoomSizeQuotaBytes        int           `json:"roomSizeQuotaBytes"`
	SubscriberIdleTimeout     time.Duration `json:"subscriberIdleTimeout"`
	SweepInterval             time.Duration `json:"sweepInterval"`
	ArchivePath               string        `json:"archivePath,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MinPlayersToStart: DefaultMinPlayersToStart,
		MaxPlayersPerRoom: DefaultMaxPlayersPerRoom,
		MaxTurns:          0,
		CadenceTiers: []CadenceTier{
			{MaxSubscribers: 15, Interval: 2 * time.Second},
			{MaxSubscribers: 30, Interval: 5 * time.Second},
			{MaxSubscribers: 0, Interval: 10 * time.Second},
		},
		SubscriberBacklogCapacity: DefaultBacklogCapacity,
		DeltaStalenessThreshold:   DefaultStalenessThreshold,
		RoomSizeQuotaBytes:        DefaultRoomSizeQuotaBytes,
		SubscriberIdleTimeout:     DefaultIdleTimeout,
		SweepInterval:             DefaultSweepInterval,
	}
}

// Normalized clamps out-of-range values back to usable defaults and sorts
// the cadence tiers by ascending ceiling with the catch-all tier
// (MaxSubscribers == 0) last.
func (cfg Config) Normalized() Config {
	normalized := cfg
	if normalized.MinPlayersToStart < 2 {
		normalized.MinPlayersToStart = DefaultMinPlayersToStart
	}
	if normalized.MaxPlayersPerRoom <= 0 {
		normalized.MaxPlayersPerRoom = DefaultMaxPlayersPerRoom
	}
	if normalized.MaxTurns < 0 {
		normalized.MaxTurns = 0
	}
	if normalized.SubscriberBacklogCapacity <= 0 {
		normalized.SubscriberBacklogCapacity = DefaultBacklogCapacity
	}
	if normalized.DeltaStalenessThreshold == 0 {
		normalized.DeltaStalenessThreshold = DefaultStalenessThreshold
	}
	if normalized.RoomSizeQuotaBytes <= 0 {
		normalized.RoomSizeQuotaBytes = DefaultRoomSizeQuotaBytes
	}
	if normalized.SubscriberIdleTimeout <= 0 {
		normalized.SubscriberIdleTimeout = DefaultIdleTimeout
	}
	if normalized.SweepInterval <= 0 {
		normalized.SweepInterval = DefaultSweepInterval
	}
	if len(normalized.CadenceTiers) == 0 {
		normalized.CadenceTiers = Default().CadenceTiers
	} else {
		tiers := make([]CadenceTier, 0, len(normalized.CadenceTiers))
		for _, tier := range normalized.CadenceTiers {
			if tier.Interval <= 0 {
				continue
			}
			tiers = append(tiers, tier)
		}
		if len(tiers) == 0 {
			tiers = Default().CadenceTiers
		}
		sort.SliceStable(tiers, func(i, j int) bool {
			// MaxSubscribers == 0 is the unbounded tier and sorts last.
			if tiers[i].MaxSubscribers == 0 {
				return false
			}
			if tiers[j].MaxSubscribers == 0 {
				return true
			}
			return tiers[i].MaxSubscribers < tiers[j].MaxSubscribers
		})
		normalized.CadenceTiers = tiers
	}
	return normalized
}

// CadenceFor returns the update interval for the given subscriber count.
// The receiver must already be normalized.
func (cfg Config) CadenceFor(subscribers int) time.Duration {
	for _, tier := range cfg.CadenceTiers {
		if tier.MaxSubscribers == 0 || subscribers <= tier.MaxSubscribers {
			return tier.Interval
		}
	}
	if len(cfg.CadenceTiers) > 0 {
		return cfg.CadenceTiers[len(cfg.CadenceTiers)-1].Interval
	}
	return 2 * time.Second
}

// FromEnv layers environment overrides onto the defaults, falling back
// silently when a variable is unset or unparsable.
func FromEnv() Config {
	cfg := Default()
	if v, ok := envInt(envMaxPlayers); ok {
		cfg.MaxPlayersPerRoom = v
	}
	if v, ok := envInt(envQuotaBytes); ok {
		cfg.RoomSizeQuotaBytes = v
	}
	if v, ok := envInt(envBacklog); ok {
		cfg.SubscriberBacklogCapacity = v
	}
	if v, ok := envInt(envStaleness); ok && v > 0 {
		cfg.DeltaStalenessThreshold = uint64(v)
	}
	if v, ok := envInt(envIdleTimeoutMS); ok && v > 0 {
		cfg.SubscriberIdleTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt(envMaxTurns); ok {
		cfg.MaxTurns = v
	}
	if v, ok := envInt(envSweepIntervalS); ok && v > 0 {
		cfg.SweepInterval = time.Duration(v) * time.Second
	}
	if raw := os.Getenv(envArchivePath); raw != "" {
		cfg.ArchivePath = raw
	}
	return cfg.Normalized()
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
