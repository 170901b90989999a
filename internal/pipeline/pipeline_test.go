package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbmazz/cdc/internal/lsn"
	"github.com/dbmazz/cdc/internal/schema"
	"github.com/dbmazz/cdc/internal/wal"
)

type fakeSink struct {
	flushes    []Batch
	flushErr   error
	deltaCalls []schema.Delta
	deltaErr   error
}

func (f *fakeSink) Flush(ctx context.Context, rel wal.Relation, batch Batch) error {
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushes = append(f.flushes, batch)
	return nil
}

func (f *fakeSink) ApplySchemaDelta(ctx context.Context, rel wal.Relation, delta schema.Delta) error {
	if f.deltaErr != nil {
		return f.deltaErr
	}
	f.deltaCalls = append(f.deltaCalls, delta)
	return nil
}

type fakeCheckpointer struct {
	saves   []lsn.LSN
	saveErr error
}

func (f *fakeCheckpointer) Save(ctx context.Context, slotName string, confirmed lsn.LSN) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, confirmed)
	return nil
}

func testRelation() wal.Relation {
	return wal.Relation{RelationID: 1, Namespace: "public", Name: "widgets", Columns: []wal.Column{
		{Name: "id", TypeOID: 23, IsKey: true},
	}}
}

func newTestPipeline(t *testing.T, cfg Config, sink *fakeSink, ckpt *fakeCheckpointer) (*Pipeline, *schema.Cache, *lsn.Triple) {
	t.Helper()
	cache := schema.New()
	if _, err := cache.Apply(testRelation()); err != nil {
		t.Fatalf("unexpected error applying relation: %v", err)
	}
	var lsns lsn.Triple
	log := logrus.NewEntry(logrus.New())
	p := New(cfg, sink, cache, &lsns, ckpt, log)
	return p, cache, &lsns
}

func insertEvent(relID uint32, lsnVal uint64) wal.InsertEvent {
	return wal.InsertEvent{
		RelationID: relID,
		New:        wal.Tuple{Columns: []wal.TupleColumn{{Kind: wal.TupleText, Data: []byte("1")}}},
		CommitLSN:  lsnVal,
	}
}

func TestIngestFlushesWhenSizeThresholdReached(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, _, lsns := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 2, FlushInterval: time.Minute}, sink, ckpt)

	ctx := context.Background()
	if err := p.ingest(ctx, insertEvent(1, 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.flushes) != 0 {
		t.Fatalf("expected no flush yet, got %d", len(sink.flushes))
	}

	if err := p.ingest(ctx, insertEvent(1, 20)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.flushes) != 1 {
		t.Fatalf("expected exactly one flush at threshold, got %d", len(sink.flushes))
	}
	if len(sink.flushes[0].Rows) != 2 {
		t.Fatalf("expected 2 rows in the flushed batch, got %d", len(sink.flushes[0].Rows))
	}
	if lsns.Applied() != 20 {
		t.Fatalf("expected applied LSN to advance to 20, got %d", lsns.Applied())
	}
	if lsns.Confirmed() != 20 {
		t.Fatalf("expected confirmed LSN to advance to 20 after checkpoint, got %d", lsns.Confirmed())
	}
	if len(ckpt.saves) != 1 || ckpt.saves[0] != 20 {
		t.Fatalf("expected one checkpoint save of 20, got %v", ckpt.saves)
	}
}

func TestCheckpointFailureLeavesConfirmedUnadvanced(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{saveErr: errors.New("disk full")}
	p, _, lsns := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 1, FlushInterval: time.Minute}, sink, ckpt)

	ctx := context.Background()
	err := p.ingest(ctx, insertEvent(1, 10))
	if err == nil {
		t.Fatalf("expected checkpoint save failure to propagate")
	}
	if len(sink.flushes) != 1 {
		t.Fatalf("expected the flush itself to have happened before the checkpoint failure")
	}
	if lsns.Confirmed() != 0 {
		t.Fatalf("expected confirmed to stay at 0 when checkpoint save fails, got %d", lsns.Confirmed())
	}
	if lsns.Applied() != 10 {
		t.Fatalf("expected applied to still advance independently of confirmed, got %d", lsns.Applied())
	}
}

func TestDrainFlushesPendingBatchesAndPersistsCheckpoint(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, _, lsns := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 100, FlushInterval: time.Minute}, sink, ckpt)

	ctx := context.Background()
	if err := p.ingest(ctx, insertEvent(1, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.flushes) != 0 {
		t.Fatalf("expected no flush below the size threshold")
	}

	lsns.AdvanceReceived(5)
	if err := p.drain(ctx); err != nil {
		t.Fatalf("unexpected error draining: %v", err)
	}
	if len(sink.flushes) != 1 {
		t.Fatalf("expected drain to flush the pending batch, got %d flushes", len(sink.flushes))
	}
	if lsns.Confirmed() != 5 {
		t.Fatalf("expected confirmed LSN of 5 after drain, got %d", lsns.Confirmed())
	}
}

func TestDrainRejectsWhenAppliedLagsReceived(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, _, lsns := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 100, FlushInterval: time.Minute}, sink, ckpt)

	// Simulate WAL bytes received beyond anything ingested into the
	// pipeline: drain must refuse rather than silently confirm a gap.
	lsns.AdvanceReceived(999)

	if err := p.drain(context.Background()); err == nil {
		t.Fatalf("expected drain to reject when applied lags received")
	}
}

func TestRelationEventAppliesSchemaDeltaToSink(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, cache, _ := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 10, FlushInterval: time.Minute}, sink, ckpt)

	rel := testRelation()
	rel.Columns = append(rel.Columns, wal.Column{Name: "sku", TypeOID: 25})

	if err := p.ingest(context.Background(), wal.RelationEvent{Relation: rel}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.deltaCalls) != 1 {
		t.Fatalf("expected one ApplySchemaDelta call, got %d", len(sink.deltaCalls))
	}
	if len(sink.deltaCalls[0].Added) != 1 || sink.deltaCalls[0].Added[0].Name != "sku" {
		t.Fatalf("unexpected delta: %+v", sink.deltaCalls[0])
	}
	got, err := cache.MustGet(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Columns) != 2 {
		t.Fatalf("expected the cache to be updated with the new column")
	}
}

func TestTruncateEventClearsAccumulator(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, _, _ := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 100, FlushInterval: time.Minute}, sink, ckpt)

	ctx := context.Background()
	if err := p.ingest(ctx, insertEvent(1, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.accs) != 1 {
		t.Fatalf("expected one accumulator before truncate")
	}

	if err := p.ingest(ctx, wal.TruncateEvent{RelationIDs: []uint32{1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.accs) != 0 {
		t.Fatalf("expected truncate to remove the accumulator, got %d remaining", len(p.accs))
	}
}

func TestUnknownRelationRoutingErrors(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, _, _ := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 100, FlushInterval: time.Minute}, sink, ckpt)

	err := p.ingest(context.Background(), insertEvent(999, 1))
	if err == nil {
		t.Fatalf("expected an error routing an event for an unannounced relation")
	}
}

func TestPauseSuspendsFlushingUntilResume(t *testing.T) {
	sink := &fakeSink{}
	ckpt := &fakeCheckpointer{}
	p, _, _ := newTestPipeline(t, Config{SlotName: "slot1", FlushSize: 1, FlushInterval: time.Minute}, sink, ckpt)

	p.paused = true
	ctx := context.Background()
	if err := p.ingest(ctx, insertEvent(1, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.flushes) != 0 {
		t.Fatalf("expected no flush while paused even at the size threshold, got %d", len(sink.flushes))
	}

	p.paused = false
	if err := p.flushDue(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.flushes) != 1 {
		t.Fatalf("expected the pending batch to flush once resumed, got %d", len(sink.flushes))
	}
}
