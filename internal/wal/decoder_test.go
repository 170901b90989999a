package wal

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// msgBuilder assembles a pgoutput message body by hand, mirroring the
// byte layout Decode expects.
type msgBuilder struct{ buf bytes.Buffer }

func (b *msgBuilder) b(v byte) *msgBuilder { b.buf.WriteByte(v); return b }
func (b *msgBuilder) u16(v uint16) *msgBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}
func (b *msgBuilder) u32(v uint32) *msgBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}
func (b *msgBuilder) u64(v uint64) *msgBuilder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}
func (b *msgBuilder) cstr(s string) *msgBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}
func (b *msgBuilder) raw(p []byte) *msgBuilder { b.buf.Write(p); return b }
func (b *msgBuilder) bytes() []byte            { return b.buf.Bytes() }

func TestDecodeRelation(t *testing.T) {
	m := (&msgBuilder{}).b('R').
		u32(1001).
		cstr("public").
		cstr("widgets").
		b(byte(ReplicaIdentityFull)).
		u16(2)
	// column 1: id, key, int4 (oid 23), no typmod
	m.b(1).cstr("id").u32(23).u32(0xFFFFFFFF)
	// column 2: name, not key, text (oid 25)
	m.b(0).cstr("name").u32(25).u32(0xFFFFFFFF)

	dec := NewDecoder()
	ev, err := dec.Decode(m.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rel, ok := ev.(RelationEvent)
	if !ok {
		t.Fatalf("expected RelationEvent, got %T", ev)
	}
	if rel.Relation.RelationID != 1001 || rel.Relation.Namespace != "public" || rel.Relation.Name != "widgets" {
		t.Fatalf("unexpected relation: %+v", rel.Relation)
	}
	if len(rel.Relation.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(rel.Relation.Columns))
	}
	if !rel.Relation.Columns[0].IsKey {
		t.Fatalf("expected first column to be a key column")
	}
	if rel.Relation.Columns[1].Name != "name" || rel.Relation.Columns[1].TypeOID != 25 {
		t.Fatalf("unexpected second column: %+v", rel.Relation.Columns[1])
	}
}

func TestDecodeInsert(t *testing.T) {
	m := (&msgBuilder{}).b('I').u32(1001).b('N').u16(2)
	m.b(byte(TupleText)).u32(1).raw([]byte("1"))
	m.b(byte(TupleNull))

	dec := NewDecoder()
	ev, err := dec.Decode(m.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ins, ok := ev.(InsertEvent)
	if !ok {
		t.Fatalf("expected InsertEvent, got %T", ev)
	}
	if ins.RelationID != 1001 {
		t.Fatalf("unexpected relation id %d", ins.RelationID)
	}
	if len(ins.New.Columns) != 2 {
		t.Fatalf("expected 2 tuple columns, got %d", len(ins.New.Columns))
	}
	if ins.New.Columns[0].Kind != TupleText || string(ins.New.Columns[0].Data) != "1" {
		t.Fatalf("unexpected column 0: %+v", ins.New.Columns[0])
	}
	if ins.New.Columns[1].Kind != TupleNull {
		t.Fatalf("expected column 1 to be null, got %v", ins.New.Columns[1].Kind)
	}
}

func TestDecodeUpdateWithOldImage(t *testing.T) {
	m := (&msgBuilder{}).b('U').u32(42)
	m.b('O').u16(1).b(byte(TupleText)).u32(1).raw([]byte("a"))
	m.b('N').u16(1).b(byte(TupleText)).u32(1).raw([]byte("b"))

	dec := NewDecoder()
	ev, err := dec.Decode(m.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upd, ok := ev.(UpdateEvent)
	if !ok {
		t.Fatalf("expected UpdateEvent, got %T", ev)
	}
	if upd.Old == nil {
		t.Fatalf("expected Old tuple to be present")
	}
	if upd.Key != nil {
		t.Fatalf("expected Key to be absent when Old is present")
	}
	if string(upd.Old.Columns[0].Data) != "a" || string(upd.New.Columns[0].Data) != "b" {
		t.Fatalf("unexpected old/new values: old=%q new=%q", upd.Old.Columns[0].Data, upd.New.Columns[0].Data)
	}
}

func TestDecodeUpdateWithKeyOnlyImage(t *testing.T) {
	m := (&msgBuilder{}).b('U').u32(42)
	m.b('K').u16(1).b(byte(TupleText)).u32(1).raw([]byte("a"))
	m.b('N').u16(1).b(byte(TupleText)).u32(1).raw([]byte("b"))

	dec := NewDecoder()
	ev, err := dec.Decode(m.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upd := ev.(UpdateEvent)
	if upd.Key == nil || upd.Old != nil {
		t.Fatalf("expected Key present and Old absent, got key=%v old=%v", upd.Key, upd.Old)
	}
}

func TestDecodeDeleteWithKeyTag(t *testing.T) {
	m := (&msgBuilder{}).b('D').u32(7).b('K').u16(1).b(byte(TupleText)).u32(1).raw([]byte("5"))

	dec := NewDecoder()
	ev, err := dec.Decode(m.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	del := ev.(DeleteEvent)
	if del.RelationID != 7 || string(del.KeyOrOld.Columns[0].Data) != "5" {
		t.Fatalf("unexpected delete event: %+v", del)
	}
}

func TestDecodeRejectsBinaryTuple(t *testing.T) {
	m := (&msgBuilder{}).b('I').u32(1).b('N').u16(1).b(byte(TupleBinary))

	dec := NewDecoder()
	_, err := dec.Decode(m.bytes())
	if err == nil {
		t.Fatalf("expected error for binary tuple format")
	}
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
	if pe.Reason == "" {
		t.Fatalf("expected a reason string")
	}
}

func TestDecodeTruncatesMultipleRelations(t *testing.T) {
	m := (&msgBuilder{}).b('T').u32(2).b(0).u32(10).u32(20)

	dec := NewDecoder()
	ev, err := dec.Decode(m.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := ev.(TruncateEvent)
	if len(tr.RelationIDs) != 2 || tr.RelationIDs[0] != 10 || tr.RelationIDs[1] != 20 {
		t.Fatalf("unexpected truncate relation ids: %v", tr.RelationIDs)
	}
}

func TestDecodeBeginAndCommit(t *testing.T) {
	begin := (&msgBuilder{}).b('B').u64(100).u64(0).u32(55)
	dec := NewDecoder()
	ev, err := dec.Decode(begin.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := ev.(BeginEvent)
	if b.Xid != 55 || b.CommitLSN != 100 {
		t.Fatalf("unexpected begin event: %+v", b)
	}

	commit := (&msgBuilder{}).b('C').b(0).u64(100).u64(150).u64(0)
	ev, err = dec.Decode(commit.bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := ev.(CommitEvent)
	if c.CommitLSN != 100 || c.EndLSN != 150 {
		t.Fatalf("unexpected commit event: %+v", c)
	}
}

func TestDecodeRejectsUnknownLeadingByte(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Decode([]byte{'Z'})
	if err == nil {
		t.Fatalf("expected error for unknown leading byte")
	}
}

func TestDecodeRejectsEmptyMessage(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Decode(nil)
	if err == nil {
		t.Fatalf("expected error for empty message")
	}
}

func TestDecodeRejectsTruncatedMessage(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Decode([]byte{'I', 0, 0})
	if err == nil {
		t.Fatalf("expected error for truncated insert")
	}
}

func TestWithTxnLSNStampsRowAndTruncateEvents(t *testing.T) {
	cases := []Event{
		InsertEvent{RelationID: 1},
		UpdateEvent{RelationID: 1},
		DeleteEvent{RelationID: 1},
		TruncateEvent{RelationIDs: []uint32{1}},
	}
	for _, ev := range cases {
		stamped := WithTxnLSN(ev, 512)
		switch v := stamped.(type) {
		case InsertEvent:
			if v.CommitLSN != 512 {
				t.Fatalf("InsertEvent: expected CommitLSN 512, got %d", v.CommitLSN)
			}
		case UpdateEvent:
			if v.CommitLSN != 512 {
				t.Fatalf("UpdateEvent: expected CommitLSN 512, got %d", v.CommitLSN)
			}
		case DeleteEvent:
			if v.CommitLSN != 512 {
				t.Fatalf("DeleteEvent: expected CommitLSN 512, got %d", v.CommitLSN)
			}
		case TruncateEvent:
			if v.CommitLSN != 512 {
				t.Fatalf("TruncateEvent: expected CommitLSN 512, got %d", v.CommitLSN)
			}
		default:
			t.Fatalf("unexpected event type %T", stamped)
		}
	}
}

func TestWithTxnLSNLeavesOtherEventsUnchanged(t *testing.T) {
	begin := BeginEvent{Xid: 7, CommitLSN: 99}
	if got := WithTxnLSN(begin, 512); got != begin {
		t.Fatalf("expected BeginEvent to pass through unchanged, got %+v", got)
	}
	rel := RelationEvent{Relation: Relation{RelationID: 1}}
	got, ok := WithTxnLSN(rel, 512).(RelationEvent)
	if !ok || got.Relation.RelationID != rel.Relation.RelationID {
		t.Fatalf("expected RelationEvent to pass through unchanged, got %+v", got)
	}
}
