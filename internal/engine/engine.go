package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dbmazz/cdc/internal/config"
	"github.com/dbmazz/cdc/internal/lsn"
	"github.com/dbmazz/cdc/internal/pipeline"
	"github.com/dbmazz/cdc/internal/schema"
	"github.com/dbmazz/cdc/internal/setup"
	"github.com/dbmazz/cdc/internal/sink"
	"github.com/dbmazz/cdc/internal/statestore"
	"github.com/dbmazz/cdc/internal/wal"
)

// controlCheckInterval is how often the decode-and-forward loop reads
// the lifecycle stage, per SPEC_FULL.md's supplemented throttled-check
// feature: checking an atomic on every decoded message adds a memory
// barrier per event, which matters at the row rates this loop runs at.
const controlCheckInterval = 256

// frameChannelCapacity is 1, matching wal.Source's documented contract
// of never buffering more than one frame ahead of its consumer; a
// deeper buffer here would widen backpressure past that guarantee.
const frameChannelCapacity = 1

// Engine wires the WAL source, decoder, schema cache, pipeline and sink
// into the INIT->SETUP->RUNNING<->PAUSED->STOPPING->STOPPED/FAILED
// lifecycle of spec.md §4.7, and implements the Facade the control
// surface calls into.
type Engine struct {
	cfg *config.Config
	log *logrus.Entry

	stage    stageCell
	lsns     lsn.Triple
	counters struct {
		eventsDecoded atomic.Uint64
	}
	lastErr atomic.Value // string

	source *wal.Source
	dec    *wal.Decoder
	cache  *schema.Cache
	pl     *pipeline.Pipeline
	store  *statestore.Store
	sr     *sink.StarRocks

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runErr chan error

	reloadMu     sync.Mutex
	cpuCollector func() uint64
}

// New constructs an Engine in StageInit; Setup and Run perform the
// actual side-effecting work.
func New(cfg *config.Config, log *logrus.Entry) *Engine {
	// runErr is written by two goroutines (the WAL source's Run and
	// decodeForward) but drained only after both have been waited on;
	// capacity 2 lets both sends complete without blocking on shutdown.
	e := &Engine{cfg: cfg, log: log, runErr: make(chan error, 2)}
	e.stage.Store(StageInit)
	e.lastErr.Store("")
	return e
}

// WithCPUCollector wires an external CPU-usage sampler (e.g. a
// /proc/[pid]/stat reader) into GetCounters' CPUMillicores field. The
// core never samples CPU itself; callers that need the original's
// process-metrics behavior inject it here.
func (e *Engine) WithCPUCollector(fn func() uint64) *Engine {
	e.cpuCollector = fn
	return e
}

// LogBanner logs the engine's effective configuration at startup, the
// way original_source/src/config.rs's print_banner announces the
// active slot/publication/tables/flush settings before the main loop
// starts.
func (e *Engine) LogBanner() {
	e.log.WithFields(logrus.Fields{
		"slot":              e.cfg.SlotName,
		"publication":       e.cfg.PublicationName,
		"tables":            e.cfg.Tables,
		"flush_size":        e.cfg.FlushSize,
		"flush_interval_ms": e.cfg.FlushIntervalMs,
		"starrocks_url":     e.cfg.StarRocksURL,
		"starrocks_db":      e.cfg.StarRocksDB,
	}).Info("dbmazz cdc engine starting")
}

// Setup runs the idempotent source/sink preparation of spec.md §4.8,
// opens the statestore and the StarRocks sink, and transitions the
// engine into SETUP while doing so. It does not start the replication
// stream; call Run for that.
func (e *Engine) Setup(ctx context.Context) error {
	e.stage.Store(StageSetup)
	e.log.WithField("tables", e.cfg.Tables).Info("running idempotent setup")

	pg, err := setup.NewPostgres(e.cfg.DatabaseURL)
	if err != nil {
		return e.fail(err)
	}
	defer pg.Close()
	if err := pg.Run(ctx, e.cfg.Tables, e.cfg.PublicationName, e.cfg.SlotName); err != nil {
		return e.fail(err)
	}

	feHost := hostOf(e.cfg.StarRocksURL)
	sr, err := setup.NewStarRocks(feHost, e.cfg.StarRocksPort, e.cfg.StarRocksUser, e.cfg.StarRocksPass, e.cfg.StarRocksDB, e.cfg.SQLTimeout())
	if err != nil {
		return e.fail(err)
	}
	defer sr.Close()
	if err := sr.Run(ctx, e.cfg.Tables); err != nil {
		return e.fail(err)
	}

	store, err := statestore.Open(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return e.fail(err)
	}
	e.store = store

	loader, err := sink.New(sink.Config{
		URL:            e.cfg.StarRocksURL,
		ControlPort:    e.cfg.StarRocksPort,
		DB:             e.cfg.StarRocksDB,
		User:           e.cfg.StarRocksUser,
		Pass:           e.cfg.StarRocksPass,
		MaxRetries:     e.cfg.MaxRetries,
		MaxFilterRatio: e.cfg.StreamLoadMaxFilterRatio,
		HTTPTimeout:    e.cfg.HTTPTimeout(),
		SQLTimeout:     e.cfg.SQLTimeout(),
	}, e.log)
	if err != nil {
		return e.fail(err)
	}
	e.sr = loader

	e.cache = schema.New()
	e.dec = wal.NewDecoder()
	e.pl = pipeline.New(pipeline.Config{
		SlotName:            e.cfg.SlotName,
		FlushSize:           e.cfg.FlushSize,
		FlushInterval:       e.cfg.FlushInterval(),
		SafetyCapMultiplier: e.cfg.SafetyCapMultiplier,
	}, e.sr, e.cache, &e.lsns, e.store, e.log)

	e.log.Info("dbmazzd setup complete: source publication/slot ready, sink audit columns ensured")
	return nil
}

// hostOf strips a scheme and path from a STARROCKS_URL-shaped string,
// leaving just the hostname the control-plane SQL port is dialed on.
func hostOf(rawURL string) string {
	u := rawURL
	if idx := indexOfScheme(u); idx >= 0 {
		u = u[idx:]
	}
	for i := 0; i < len(u); i++ {
		switch u[i] {
		case ':', '/':
			return u[:i]
		}
	}
	return u
}

func indexOfScheme(u string) int {
	for i := 0; i+2 < len(u); i++ {
		if u[i] == ':' && u[i+1] == '/' && u[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}

func (e *Engine) fail(err error) error {
	e.stage.Store(StageFailed)
	e.lastErr.Store(err.Error())
	e.log.WithError(err).Error("dbmazzd failed")
	return err
}

// Run connects the replication stream, restores the persisted LSN, and
// runs the decode-and-forward loop and the pipeline concurrently until
// ctx is canceled or a fatal error occurs. It blocks until the engine
// reaches STOPPED or FAILED.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	startLSN, found, err := e.store.Load(runCtx, e.cfg.SlotName)
	if err != nil {
		return e.fail(err)
	}
	if found {
		e.lsns.Seed(startLSN)
		e.log.WithField("start_lsn", startLSN).Info("resuming from persisted checkpoint")
	} else {
		e.log.Info("no persisted checkpoint; starting replication from the slot's current position")
	}

	src, err := wal.Connect(runCtx, e.cfg.DatabaseURL, e.cfg.SlotName, e.cfg.PublicationName)
	if err != nil {
		return e.fail(err)
	}
	e.source = src
	defer e.source.Close(context.Background())

	if err := e.source.StartReplication(runCtx, e.lsns.Confirmed()); err != nil {
		return e.fail(err)
	}

	frames := make(chan wal.Frame, frameChannelCapacity)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.runErr <- e.source.Run(runCtx, frames, &e.lsns, e.cfg.StandbyStatusInterval())
	}()
	go func() {
		defer e.wg.Done()
		e.runErr <- e.decodeForward(runCtx, frames)
	}()

	e.stage.Store(StageRunning)
	e.log.Info("dbmazzd running")

	plErr := e.pl.Run(runCtx)

	cancel()
	e.wg.Wait()

	if plErr != nil && plErr != context.Canceled {
		return e.fail(plErr)
	}
	select {
	case err := <-e.runErr:
		if err != nil && err != context.Canceled {
			return e.fail(err)
		}
	default:
	}

	if e.stage.Load() != StageFailed {
		e.stage.Store(StageStopped)
	}
	return nil
}

// decodeForward reads frames off the WAL source, decodes them, and
// pushes events onto the pipeline's channel — the send backpressures
// this loop, and this loop's channel receive backpressures the source.
// Every controlCheckInterval iterations it samples the lifecycle stage
// so an external Stop/DrainAndStop is observed without a per-message
// atomic load.
//
// pgoutput's Insert/Update/Delete/Truncate messages carry no LSN of
// their own; only the enclosing transaction's Begin message does
// (Begin.final_lsn). txnLSN tracks the current transaction's LSN across
// the loop and is stamped onto every row/truncate event via
// wal.WithTxnLSN before it reaches the pipeline, mirroring
// original_source's push_batch(batch, schema_cache, lsn) threading.
func (e *Engine) decodeForward(ctx context.Context, frames <-chan wal.Frame) error {
	iter := 0
	var txnLSN uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.Kind != wal.FrameXLogData {
				continue
			}
			ev, err := e.dec.Decode(f.Data)
			if err != nil {
				return fmt.Errorf("engine: decode: %w", err)
			}
			e.counters.eventsDecoded.Add(1)

			if b, ok := ev.(wal.BeginEvent); ok {
				txnLSN = b.CommitLSN
			}
			ev = wal.WithTxnLSN(ev, txnLSN)

			select {
			case e.pl.Events() <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

			iter++
			if iter%controlCheckInterval == 0 {
				if e.stage.Load() == StageStopping {
					return nil
				}
			}
		}
	}
}

// GetStage implements Facade.
func (e *Engine) GetStage() Stage { return e.stage.Load() }

// GetLSNs implements Facade.
func (e *Engine) GetLSNs() LSNs {
	return LSNs{
		Received:  e.lsns.Received(),
		Applied:   e.lsns.Applied(),
		Confirmed: e.lsns.Confirmed(),
	}
}

// GetCounters implements Facade.
func (e *Engine) GetCounters() Counters {
	c := Counters{EventsDecoded: e.counters.eventsDecoded.Load()}
	if e.pl != nil {
		snap := e.pl.Counters()
		c.RowsFlushed = snap.RowsFlushed
		c.FlushCount = snap.FlushCount
	}
	if e.cpuCollector != nil {
		c.CPUMillicores = e.cpuCollector()
	}
	return c
}

// GetLastError implements Facade.
func (e *Engine) GetLastError() string {
	v, _ := e.lastErr.Load().(string)
	return v
}

// Pause implements Facade: stop issuing flushes while the decoder keeps
// draining the replication socket, per spec.md §4.4.
func (e *Engine) Pause(ctx context.Context) error {
	if err := e.pl.Pause(ctx); err != nil {
		return err
	}
	e.stage.Store(StagePaused)
	return nil
}

// Resume implements Facade.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.pl.Resume(ctx); err != nil {
		return err
	}
	e.stage.Store(StageRunning)
	return nil
}

// DrainAndStop implements Facade: flush every pending batch, persist the
// final checkpoint, then stop the decode loop and the WAL source.
func (e *Engine) DrainAndStop(ctx context.Context) error {
	e.stage.Store(StageStopping)
	err := e.pl.DrainAndStop(ctx)
	if e.cancel != nil {
		e.cancel()
	}
	return err
}

// Stop implements Facade: stop immediately without flushing pending
// batches; the last completed checkpoint remains authoritative.
func (e *Engine) Stop(ctx context.Context) error {
	e.stage.Store(StageStopping)
	err := e.pl.Stop(ctx)
	if e.cancel != nil {
		e.cancel()
	}
	return err
}

// ReloadConfig implements Facade: applies non-nil fields to the engine's
// config and logs the change. It does not reach a running pipeline: the
// pipeline reads FlushSize/FlushInterval from its own cfg copy, which is
// immutable for its lifetime, so the new values are used only when Setup
// next constructs a pipeline.
func (e *Engine) ReloadConfig(req ReloadRequest) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	if req.FlushSize != nil {
		e.cfg.FlushSize = *req.FlushSize
	}
	if req.FlushIntervalMs != nil {
		e.cfg.FlushIntervalMs = *req.FlushIntervalMs
	}
	e.log.WithField("flush_size", e.cfg.FlushSize).
		WithField("flush_interval_ms", e.cfg.FlushIntervalMs).
		Info("config reload accepted; applied on next pipeline restart")
	return nil
}

var _ Facade = (*Engine)(nil)
