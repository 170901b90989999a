package engine

import (
	"context"
	"sync/atomic"

	"github.com/dbmazz/cdc/internal/lsn"
)

// Stage is one state of the lifecycle in spec.md §4.7:
// INIT -> SETUP -> RUNNING <-> PAUSED -> STOPPING -> STOPPED, plus
// terminal FAILED reachable from any state. It is represented as a
// lock-free atomic cell, per §5/§9's "a single atomic byte suffices".
type Stage uint32

const (
	StageInit Stage = iota
	StageSetup
	StageRunning
	StagePaused
	StageStopping
	StageStopped
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "INIT"
	case StageSetup:
		return "SETUP"
	case StageRunning:
		return "RUNNING"
	case StagePaused:
		return "PAUSED"
	case StageStopping:
		return "STOPPING"
	case StageStopped:
		return "STOPPED"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// stageCell is the atomic holder; reads are sparse on the hot path (the
// decode-and-forward loop checks it every 256 iterations, per
// SPEC_FULL.md's supplemented throttled-control-check feature) to avoid
// memory-barrier cost there.
type stageCell struct {
	v atomic.Uint32
}

func (c *stageCell) Load() Stage   { return Stage(c.v.Load()) }
func (c *stageCell) Store(s Stage) { c.v.Store(uint32(s)) }
func (c *stageCell) CAS(old, new Stage) bool {
	return c.v.CompareAndSwap(uint32(old), uint32(new))
}

// Counters is the read-only metrics snapshot of the control facade.
// CPUMillicores defaults to 0 unless a collector is injected via
// WithCPUCollector — this core never reads /proc itself, per
// SPEC_FULL.md's supplemented CPU-tracker-shaped hook.
type Counters struct {
	EventsDecoded uint64
	RowsFlushed   uint64
	FlushCount    uint64
	CPUMillicores uint64
}

// LSNs is the read-only snapshot of the three tracked cursors.
type LSNs struct {
	Received  lsn.LSN
	Applied   lsn.LSN
	Confirmed lsn.LSN
}

// ReloadRequest is the partial config accepted by ReloadConfig; nil
// fields are left unchanged. The values are stored in the engine's
// config; a pipeline that is already running keeps the flush settings it
// was built with.
type ReloadRequest struct {
	FlushSize       *int
	FlushIntervalMs *int
}

// Facade is the narrow, opaque-to-the-core control/health surface named
// in spec.md §6. The literal transport (gRPC in the original, a thin
// HTTP surface here — see internal/control) is out of scope; this
// interface is what that transport calls.
type Facade interface {
	GetStage() Stage
	GetLSNs() LSNs
	GetCounters() Counters
	GetLastError() string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	DrainAndStop(ctx context.Context) error
	Stop(ctx context.Context) error
	ReloadConfig(req ReloadRequest) error
}
