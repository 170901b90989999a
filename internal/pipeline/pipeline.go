// Package pipeline accumulates decoded CDC events into per-relation
// batches, enforces the size/time flush policy, and implements
// pause/resume/drain against a bounded backpressure channel.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbmazz/cdc/internal/lsn"
	"github.com/dbmazz/cdc/internal/schema"
	"github.com/dbmazz/cdc/internal/wal"
)

// Sink is the narrow interface the pipeline needs from the StarRocks
// loader: flush one relation's batch, and apply an additive schema delta
// ahead of the next flush of that relation.
type Sink interface {
	Flush(ctx context.Context, rel wal.Relation, batch Batch) error
	ApplySchemaDelta(ctx context.Context, rel wal.Relation, delta schema.Delta) error
}

// Checkpointer persists the confirmed LSN. Implemented by
// internal/statestore.
type Checkpointer interface {
	Save(ctx context.Context, slotName string, confirmed lsn.LSN) error
}

// Config carries the tunables of spec.md §4.4/§6.
type Config struct {
	SlotName            string
	FlushSize           int
	FlushInterval       time.Duration
	SafetyCapMultiplier int // batches accumulate up to SafetyCapMultiplier*FlushSize while paused
	ChannelCapacity     int // bounded channel between decoder and pipeline
}

func (c Config) safetyCap() int {
	mult := c.SafetyCapMultiplier
	if mult <= 0 {
		mult = 2
	}
	return mult * c.FlushSize
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdDrainAndStop
	cmdStop
)

type controlRequest struct {
	cmd  command
	done chan error
}

// Pipeline is single-owner over its accumulator map and pause/drain
// state: all mutation happens inside Run's goroutine, driven by channel
// receives, so no lock is needed beyond the schema cache's own (which is
// shared with the sink's row encoder).
type Pipeline struct {
	cfg    Config
	in     chan wal.Event
	ctrl   chan controlRequest
	sink   Sink
	cache  *schema.Cache
	lsns   *lsn.Triple
	ckpt   Checkpointer
	log    *logrus.Entry
	accs   map[uint32]*accumulator
	paused bool

	rowsFlushed atomic.Uint64
	flushCount  atomic.Uint64
}

// Counters is a snapshot of the pipeline's flush-side metrics, read by
// the engine's control facade (spec.md §6's get_counters).
type Counters struct {
	RowsFlushed uint64
	FlushCount  uint64
}

// Counters returns the current snapshot. Safe to call concurrently with
// Run since both fields are atomics.
func (p *Pipeline) Counters() Counters {
	return Counters{RowsFlushed: p.rowsFlushed.Load(), FlushCount: p.flushCount.Load()}
}

// New builds a Pipeline. cache is shared with the code that encodes rows
// for the sink (the schema cache's RWMutex is the one documented shared
// lock outside the LSN triple and lifecycle atomic).
func New(cfg Config, sink Sink, cache *schema.Cache, lsns *lsn.Triple, ckpt Checkpointer, log *logrus.Entry) *Pipeline {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = cfg.FlushSize
	}
	return &Pipeline{
		cfg:   cfg,
		in:    make(chan wal.Event, cfg.ChannelCapacity),
		ctrl:  make(chan controlRequest),
		sink:  sink,
		cache: cache,
		lsns:  lsns,
		ckpt:  ckpt,
		log:   log,
		accs:  make(map[uint32]*accumulator),
	}
}

// Events returns the channel the decode loop feeds. Its fixed capacity
// is the pipeline's sole backpressure mechanism: once full, a send from
// the engine's decode loop blocks, so that loop stops draining the WAL
// source's frame channel, which is what suspends the source.
func (p *Pipeline) Events() chan<- wal.Event { return p.in }

func (p *Pipeline) totalRows() int {
	n := 0
	for _, a := range p.accs {
		n += len(a.rows)
	}
	return n
}

// Run is the pipeline's single goroutine. It owns every accumulator and
// all pause/drain state; external callers only ever communicate with it
// through Events(), Pause, Resume, DrainAndStop and Stop.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushCheckInterval(p.cfg.FlushInterval))
	defer ticker.Stop()

	for {
		// While paused and at the safety cap, stop reading from in
		// entirely: that backpressures the decoder/source all the way
		// upstream, per spec.md §4.4's Pause/Resume contract.
		var readChan chan wal.Event
		if !(p.paused && p.totalRows() >= p.cfg.safetyCap()) {
			readChan = p.in
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-readChan:
			if err := p.ingest(ctx, ev); err != nil {
				return err
			}

		case <-ticker.C:
			if p.paused {
				continue
			}
			if err := p.flushDue(ctx, false); err != nil {
				return err
			}

		case req := <-p.ctrl:
			done := p.handleControl(ctx, req.cmd)
			req.done <- done
			if req.cmd == cmdStop || req.cmd == cmdDrainAndStop {
				return nil
			}
		}
	}
}

func flushCheckInterval(flushInterval time.Duration) time.Duration {
	d := flushInterval / 4
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

func (p *Pipeline) handleControl(ctx context.Context, cmd command) error {
	switch cmd {
	case cmdPause:
		p.paused = true
		return nil
	case cmdResume:
		p.paused = false
		// The existing batch is flushed on the first subsequent flush
		// trigger, not immediately, per spec.md §4.4.
		return nil
	case cmdDrainAndStop:
		return p.drain(ctx)
	case cmdStop:
		// Stop does not flush pending batches; it still honors the last
		// completed checkpoint (spec.md §4.7).
		return nil
	default:
		return fmt.Errorf("pipeline: unknown control command %d", cmd)
	}
}

// drain flushes every non-empty accumulator, then checks applied==received:
// if they differ it returns an error without persisting a checkpoint,
// otherwise it persists the checkpoint and returns.
func (p *Pipeline) drain(ctx context.Context) error {
	if err := p.flushDue(ctx, true); err != nil {
		return err
	}
	if p.lsns.Applied() != p.lsns.Received() {
		return fmt.Errorf("pipeline: drain invariant violated: applied=%s received=%s",
			p.lsns.Applied(), p.lsns.Received())
	}
	return p.checkpoint(ctx)
}

func (p *Pipeline) ingest(ctx context.Context, ev wal.Event) error {
	now := time.Now().UnixNano()
	switch v := ev.(type) {
	case wal.BeginEvent, wal.OriginEvent, wal.TypeEvent, wal.LogicalMessageEvent:
		return nil

	case wal.CommitEvent:
		p.lsns.AdvanceReceived(lsn.LSN(v.EndLSN))
		return nil

	case wal.RelationEvent:
		delta, err := p.cache.Apply(v.Relation)
		if err != nil {
			return err
		}
		if delta != nil {
			if err := p.sink.ApplySchemaDelta(ctx, v.Relation, *delta); err != nil {
				return fmt.Errorf("pipeline: applying schema delta for relation %d: %w", v.Relation.RelationID, err)
			}
		}
		return nil

	case wal.InsertEvent:
		return p.route(ctx, v.RelationID, OpInsert, v.New, v.CommitLSN, now)

	case wal.UpdateEvent:
		return p.route(ctx, v.RelationID, OpUpdate, v.New, v.CommitLSN, now)

	case wal.DeleteEvent:
		return p.route(ctx, v.RelationID, OpDelete, v.KeyOrOld, v.CommitLSN, now)

	case wal.TruncateEvent:
		for _, id := range v.RelationIDs {
			delete(p.accs, id)
		}
		return nil

	default:
		return fmt.Errorf("pipeline: unhandled event type %T", v)
	}
}

func (p *Pipeline) route(ctx context.Context, relationID uint32, op Op, values wal.Tuple, commitLSN uint64, now int64) error {
	if _, err := p.cache.MustGet(relationID); err != nil {
		return err
	}
	acc, ok := p.accs[relationID]
	if !ok {
		acc = &accumulator{}
		p.accs[relationID] = acc
	}
	acc.add(op, values, commitLSN, now)
	if !p.paused && len(acc.rows) >= p.cfg.FlushSize {
		return p.flushOne(ctx, relationID, acc)
	}
	return nil
}

// flushDue flushes every accumulator that has hit the size threshold or
// whose age exceeds FlushInterval. force flushes everything regardless
// of age, used by drain.
func (p *Pipeline) flushDue(ctx context.Context, force bool) error {
	now := time.Now().UnixNano()
	for relationID, acc := range p.accs {
		if acc.empty() {
			continue
		}
		due := force || len(acc.rows) >= p.cfg.FlushSize ||
			time.Duration(now-acc.openedAt) >= p.cfg.FlushInterval
		if !due {
			continue
		}
		if err := p.flushOne(ctx, relationID, acc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) flushOne(ctx context.Context, relationID uint32, acc *accumulator) error {
	if acc.empty() {
		return nil
	}
	rel, err := p.cache.MustGet(relationID)
	if err != nil {
		return err
	}
	batch := acc.drain(relationID)
	if err := p.sink.Flush(ctx, rel, batch); err != nil {
		return fmt.Errorf("pipeline: flush relation %d: %w", relationID, err)
	}
	p.rowsFlushed.Add(uint64(len(batch.Rows)))
	p.flushCount.Add(1)
	p.lsns.AdvanceApplied(lsn.LSN(batch.MaxLSN))
	return p.checkpoint(ctx)
}

// checkpoint persists the applied LSN and advances confirmed only after
// that persistence succeeds, per data-model invariant 3.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	applied := p.lsns.Applied()
	if err := p.ckpt.Save(ctx, p.cfg.SlotName, applied); err != nil {
		return fmt.Errorf("pipeline: checkpoint save: %w", err)
	}
	p.lsns.AdvanceConfirmed(applied)
	return nil
}

func (p *Pipeline) sendControl(ctx context.Context, cmd command) error {
	req := controlRequest{cmd: cmd, done: make(chan error, 1)}
	select {
	case p.ctrl <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops the pipeline from issuing flushes; the decoder keeps
// running so the source does not back up WAL on the source server.
func (p *Pipeline) Pause(ctx context.Context) error { return p.sendControl(ctx, cmdPause) }

// Resume re-enables flushing; the existing batch is flushed on the next
// flush trigger, not immediately.
func (p *Pipeline) Resume(ctx context.Context) error { return p.sendControl(ctx, cmdResume) }

// DrainAndStop flushes every pending batch, waits for applied==received,
// persists the final checkpoint, then causes Run to return.
func (p *Pipeline) DrainAndStop(ctx context.Context) error {
	return p.sendControl(ctx, cmdDrainAndStop)
}

// Stop causes Run to return without flushing pending batches; the last
// completed checkpoint remains authoritative.
func (p *Pipeline) Stop(ctx context.Context) error { return p.sendControl(ctx, cmdStop) }
