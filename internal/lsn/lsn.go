// Package lsn tracks the three LSN cursors shared across the engine:
// received, applied and confirmed.
package lsn

import (
	"sync/atomic"

	"github.com/jackc/pglogrepl"
)

// LSN is a 64-bit write-ahead-log position. It is an alias of
// pglogrepl.LSN so source-facing code (START_REPLICATION, StandbyStatusUpdate)
// and engine-facing code share one wire-compatible type.
type LSN = pglogrepl.LSN

// Triple holds the three monotonically non-decreasing cursors described in
// the data model: received (last byte consumed from the wire), applied
// (last event durably written to the sink) and confirmed (last value
// persisted to the state store and safe to advertise upstream).
//
// confirmed <= applied <= received must hold at every observation point.
type Triple struct {
	received  atomic.Uint64
	applied   atomic.Uint64
	confirmed atomic.Uint64
}

// Received returns the last received LSN.
func (t *Triple) Received() LSN { return LSN(t.received.Load()) }

// Applied returns the last applied LSN.
func (t *Triple) Applied() LSN { return LSN(t.applied.Load()) }

// Confirmed returns the last confirmed LSN.
func (t *Triple) Confirmed() LSN { return LSN(t.confirmed.Load()) }

// AdvanceReceived moves the received cursor forward. It is a no-op if v is
// not greater than the current value, preserving monotonicity under
// out-of-order calls.
func (t *Triple) AdvanceReceived(v LSN) {
	advanceMax(&t.received, uint64(v))
}

// AdvanceApplied moves the applied cursor forward.
func (t *Triple) AdvanceApplied(v LSN) {
	advanceMax(&t.applied, uint64(v))
}

// AdvanceConfirmed moves the confirmed cursor forward.
func (t *Triple) AdvanceConfirmed(v LSN) {
	advanceMax(&t.confirmed, uint64(v))
}

// Seed initializes all three cursors to v, used when resuming from a
// persisted checkpoint at startup.
func (t *Triple) Seed(v LSN) {
	t.received.Store(uint64(v))
	t.applied.Store(uint64(v))
	t.confirmed.Store(uint64(v))
}

func advanceMax(cell *atomic.Uint64, v uint64) {
	for {
		cur := cell.Load()
		if v <= cur {
			return
		}
		if cell.CompareAndSwap(cur, v) {
			return
		}
	}
}
