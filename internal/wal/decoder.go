package wal

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// Decoder is a zero-copy pgoutput v1 parser. Decode borrows the input
// slice for the duration of the call; bytes that must outlive the call
// (string/text values) are copied into owned slices at the point they are
// assigned into a returned Event. The caller owns the input slice's
// lifetime — it must not decode the same buffer twice concurrently.
type Decoder struct{}

// NewDecoder returns a ready-to-use pgoutput decoder. There is no
// per-connection state: relation schema lives in the caller's cache, not
// here.
func NewDecoder() *Decoder { return &Decoder{} }

// cursor walks a pgoutput message buffer without copying it.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) byte() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	b := c.buf[c.pos]
	c.pos++
	return b, true
}

func (c *cursor) uint16() (uint16, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v, true
}

func (c *cursor) uint32() (uint32, bool) {
	if c.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return v, true
}

func (c *cursor) uint64() (uint64, bool) {
	if c.remaining() < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos : c.pos+8])
	c.pos += 8
	return v, true
}

// cstring reads a null-terminated string, validating UTF-8, and returns
// an owned copy. bytes.IndexByte locates the terminator; on amd64/arm64
// the runtime dispatches this to vectorized assembly in internal/bytealg.
func (c *cursor) cstring() (string, bool) {
	idx := bytes.IndexByte(c.buf[c.pos:], 0)
	if idx < 0 {
		return "", false
	}
	raw := c.buf[c.pos : c.pos+idx]
	if !utf8.Valid(raw) {
		return "", false
	}
	s := string(raw)
	c.pos += idx + 1
	return s, true
}

// bytesN reads n raw bytes and returns an owned copy.
func (c *cursor) bytesN(n int) ([]byte, bool) {
	if n < 0 || c.remaining() < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, c.buf[c.pos:c.pos+n])
	c.pos += n
	return out, true
}

func protoErr(reason string) error { return &ProtocolError{Reason: reason} }

// Decode parses one pgoutput message. data is the message body with its
// leading tag byte still attached, exactly as delivered inside an
// XLogData frame's WALData.
func (d *Decoder) Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, protoErr("empty message")
	}
	c := &cursor{buf: data[1:]}
	switch data[0] {
	case 'B':
		return d.decodeBegin(c)
	case 'C':
		return d.decodeCommit(c)
	case 'R':
		return d.decodeRelation(c)
	case 'Y':
		return TypeEvent{}, nil
	case 'O':
		return d.decodeOrigin(c)
	case 'I':
		return d.decodeInsert(c)
	case 'U':
		return d.decodeUpdate(c)
	case 'D':
		return d.decodeDelete(c)
	case 'T':
		return d.decodeTruncate(c)
	case 'M':
		return d.decodeMessage(c)
	default:
		return nil, protoErr("unknown leading byte")
	}
}

func (d *Decoder) decodeBegin(c *cursor) (Event, error) {
	finalLSN, ok := c.uint64()
	if !ok {
		return nil, protoErr("truncated Begin.final_lsn")
	}
	if _, ok := c.uint64(); !ok { // commit timestamp, unused
		return nil, protoErr("truncated Begin.timestamp")
	}
	xid, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Begin.xid")
	}
	return BeginEvent{Xid: xid, CommitLSN: finalLSN}, nil
}

func (d *Decoder) decodeCommit(c *cursor) (Event, error) {
	if _, ok := c.byte(); !ok { // flags, reserved
		return nil, protoErr("truncated Commit.flags")
	}
	commitLSN, ok := c.uint64()
	if !ok {
		return nil, protoErr("truncated Commit.lsn")
	}
	endLSN, ok := c.uint64()
	if !ok {
		return nil, protoErr("truncated Commit.end_lsn")
	}
	if _, ok := c.uint64(); !ok { // commit timestamp, unused
		return nil, protoErr("truncated Commit.timestamp")
	}
	return CommitEvent{CommitLSN: commitLSN, EndLSN: endLSN}, nil
}

func (d *Decoder) decodeRelation(c *cursor) (Event, error) {
	relID, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Relation.id")
	}
	ns, ok := c.cstring()
	if !ok {
		return nil, protoErr("truncated or invalid Relation.namespace")
	}
	name, ok := c.cstring()
	if !ok {
		return nil, protoErr("truncated or invalid Relation.name")
	}
	riByte, ok := c.byte()
	if !ok {
		return nil, protoErr("truncated Relation.replica_identity")
	}
	numCols, ok := c.uint16()
	if !ok {
		return nil, protoErr("truncated Relation.num_columns")
	}
	cols := make([]Column, 0, numCols)
	for i := 0; i < int(numCols); i++ {
		flags, ok := c.byte()
		if !ok {
			return nil, protoErr("truncated Relation column flags")
		}
		cname, ok := c.cstring()
		if !ok {
			return nil, protoErr("truncated or invalid Relation column name")
		}
		typeOID, ok := c.uint32()
		if !ok {
			return nil, protoErr("truncated Relation column type oid")
		}
		typeMod, ok := c.uint32()
		if !ok {
			return nil, protoErr("truncated Relation column type modifier")
		}
		cols = append(cols, Column{
			Name:         cname,
			TypeOID:      typeOID,
			TypeModifier: int32(typeMod),
			IsKey:        flags&0x01 != 0,
		})
	}
	return RelationEvent{Relation: Relation{
		RelationID:      relID,
		Namespace:       ns,
		Name:            name,
		ReplicaIdentity: ReplicaIdentity(riByte),
		Columns:         cols,
	}}, nil
}

func (d *Decoder) decodeOrigin(c *cursor) (Event, error) {
	if _, ok := c.uint64(); !ok {
		return nil, protoErr("truncated Origin.lsn")
	}
	if _, ok := c.cstring(); !ok {
		return nil, protoErr("truncated or invalid Origin.name")
	}
	return OriginEvent{}, nil
}

func (d *Decoder) decodeInsert(c *cursor) (Event, error) {
	relID, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Insert.relation_id")
	}
	tag, ok := c.byte()
	if !ok || tag != 'N' {
		return nil, protoErr("Insert missing new-tuple tag")
	}
	tup, err := d.decodeTuple(c)
	if err != nil {
		return nil, err
	}
	return InsertEvent{RelationID: relID, New: tup}, nil
}

func (d *Decoder) decodeUpdate(c *cursor) (Event, error) {
	relID, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Update.relation_id")
	}
	ev := UpdateEvent{RelationID: relID}
	tag, ok := c.byte()
	if !ok {
		return nil, protoErr("truncated Update tuple tag")
	}
	switch tag {
	case 'K':
		tup, err := d.decodeTuple(c)
		if err != nil {
			return nil, err
		}
		ev.Key = &tup
		tag, ok = c.byte()
		if !ok {
			return nil, protoErr("Update missing new-tuple tag after key image")
		}
	case 'O':
		tup, err := d.decodeTuple(c)
		if err != nil {
			return nil, err
		}
		ev.Old = &tup
		tag, ok = c.byte()
		if !ok {
			return nil, protoErr("Update missing new-tuple tag after old image")
		}
	}
	if tag != 'N' {
		return nil, protoErr("Update missing new-tuple tag")
	}
	tup, err := d.decodeTuple(c)
	if err != nil {
		return nil, err
	}
	ev.New = tup
	return ev, nil
}

func (d *Decoder) decodeDelete(c *cursor) (Event, error) {
	relID, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Delete.relation_id")
	}
	tag, ok := c.byte()
	if !ok || (tag != 'K' && tag != 'O') {
		return nil, protoErr("Delete missing key/old tuple tag")
	}
	tup, err := d.decodeTuple(c)
	if err != nil {
		return nil, err
	}
	return DeleteEvent{RelationID: relID, KeyOrOld: tup}, nil
}

func (d *Decoder) decodeTruncate(c *cursor) (Event, error) {
	n, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Truncate.n_relations")
	}
	if _, ok := c.byte(); !ok { // option flags, unused
		return nil, protoErr("truncated Truncate.flags")
	}
	ids := make([]uint32, 0, n)
	for i := 0; i < int(n); i++ {
		id, ok := c.uint32()
		if !ok {
			return nil, protoErr("truncated Truncate relation id list")
		}
		ids = append(ids, id)
	}
	return TruncateEvent{RelationIDs: ids}, nil
}

func (d *Decoder) decodeMessage(c *cursor) (Event, error) {
	if _, ok := c.byte(); !ok { // transactional flag, unused
		return nil, protoErr("truncated Message.flags")
	}
	if _, ok := c.uint64(); !ok { // lsn, unused
		return nil, protoErr("truncated Message.lsn")
	}
	if _, ok := c.cstring(); !ok {
		return nil, protoErr("truncated or invalid Message.prefix")
	}
	length, ok := c.uint32()
	if !ok {
		return nil, protoErr("truncated Message.length")
	}
	if _, ok := c.bytesN(int(length)); !ok {
		return nil, protoErr("truncated Message.content")
	}
	return LogicalMessageEvent{}, nil
}

// decodeTuple parses a tuple's column count and per-column kind/data per
// spec.md §4.2's n/u/t/b encoding.
func (d *Decoder) decodeTuple(c *cursor) (Tuple, error) {
	numCols, ok := c.uint16()
	if !ok {
		return Tuple{}, protoErr("truncated tuple column count")
	}
	cols := make([]TupleColumn, 0, numCols)
	for i := 0; i < int(numCols); i++ {
		kind, ok := c.byte()
		if !ok {
			return Tuple{}, protoErr("truncated tuple column kind")
		}
		switch TupleColumnKind(kind) {
		case TupleNull, TupleUnchangedTOAST:
			cols = append(cols, TupleColumn{Kind: TupleColumnKind(kind)})
		case TupleText:
			length, ok := c.uint32()
			if !ok {
				return Tuple{}, protoErr("truncated tuple text length")
			}
			data, ok := c.bytesN(int(length))
			if !ok {
				return Tuple{}, protoErr("truncated tuple text data")
			}
			cols = append(cols, TupleColumn{Kind: TupleText, Data: data})
		case TupleBinary:
			return Tuple{}, protoErr("binary tuple format is not supported")
		default:
			return Tuple{}, protoErr("unknown tuple column kind")
		}
	}
	return Tuple{Columns: cols}, nil
}
