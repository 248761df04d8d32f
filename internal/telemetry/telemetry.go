// Package telemetry keeps cheap atomic counters the diagnostics endpoint
// reports for capacity planning.
package telemetry

import "sync/atomic"

// Counters accumulates engine-wide event counts. All methods are safe for
// concurrent use.
type Counters struct {
	commits           atomic.Uint64
	staleWrites       atomic.Uint64
	quotaRejections   atomic.Uint64
	deltasSent        atomic.Uint64
	snapshotsSent     atomic.Uint64
	snapshotFallbacks atomic.Uint64
}

// Snapshot is the JSON shape served by the diagnostics endpoint.
type Snapshot struct {
	Commits           uint64 `json:"commits"`
	StaleWrites       uint64 `json:"staleWrites"`
	QuotaRejections   uint64 `json:"quotaRejections"`
	DeltasSent        uint64 `json:"deltasSent"`
	SnapshotsSent     uint64 `json:"snapshotsSent"`
	SnapshotFallbacks uint64 `json:"snapshotFallbacks"`
}

// New returns zeroed counters.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) RecordCommit()           { c.commits.Add(1) }
func (c *Counters) RecordStaleWrite()       { c.staleWrites.Add(1) }
func (c *Counters) RecordQuotaRejection()   { c.quotaRejections.Add(1) }
func (c *Counters) RecordDeltaSent()        { c.deltasSent.Add(1) }
func (c *Counters) RecordSnapshotSent()     { c.snapshotsSent.Add(1) }
func (c *Counters) RecordSnapshotFallback() { c.snapshotFallbacks.Add(1) }

// Read returns a point-in-time copy of every counter.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		Commits:           c.commits.Load(),
		StaleWrites:       c.staleWrites.Load(),
		QuotaRejections:   c.quotaRejections.Load(),
		DeltasSent:        c.deltasSent.Load(),
		SnapshotsSent:     c.snapshotsSent.Load(),
		SnapshotFallbacks: c.snapshotFallbacks.Load(),
	}
}
