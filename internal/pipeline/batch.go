package pipeline

import (
	"github.com/dbmazz/cdc/internal/wal"
)

// Op tags a RowOp's kind.
type Op byte

const (
	OpInsert Op = 'I'
	OpUpdate Op = 'U'
	OpDelete Op = 'D'
)

// RowOp is one accumulated row change, per spec.md §3.
type RowOp struct {
	Op        Op
	ToastMask uint64 // bit i set iff column i of Values is unchanged-toast
	Values    wal.Tuple
	CommitLSN uint64
	// SeqInTx is the row's arrival index in its relation's accumulator;
	// the counter is not reset per commit or per flush. The JSON encoder
	// does not read it and it does not affect merge semantics (see
	// SPEC_FULL.md open question resolution).
	SeqInTx uint32
}

// Batch is the per-relation ordered sequence flushed together.
type Batch struct {
	RelationID uint32
	Rows       []RowOp
	MaxLSN     uint64
}

// toastMask builds the 64-bit bitmap from a tuple's column kinds. Tables
// with more than 64 columns mask only the first 64; columns beyond never
// carry unchanged-toast under this design (spec.md §4.4.2).
func toastMask(t wal.Tuple) uint64 {
	var mask uint64
	for i, col := range t.Columns {
		if i >= 64 {
			break
		}
		if col.Kind == wal.TupleUnchangedTOAST {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// accumulator tracks one relation's in-progress batch plus the wall-clock
// time its first row arrived, used for the flush_interval_ms trigger.
type accumulator struct {
	rows       []RowOp
	maxLSN     uint64
	openedAt   int64 // unix nanos of the first row in this window; 0 if empty
	seqCounter uint32
}

func (a *accumulator) add(op Op, values wal.Tuple, commitLSN uint64, nowNanos int64) {
	if len(a.rows) == 0 {
		a.openedAt = nowNanos
	}
	a.rows = append(a.rows, RowOp{
		Op:        op,
		ToastMask: toastMask(values),
		Values:    values,
		CommitLSN: commitLSN,
		SeqInTx:   a.seqCounter,
	})
	a.seqCounter++
	if commitLSN > a.maxLSN {
		a.maxLSN = commitLSN
	}
}

func (a *accumulator) empty() bool { return len(a.rows) == 0 }

func (a *accumulator) reset() {
	a.rows = nil
	a.maxLSN = 0
	a.openedAt = 0
}

func (a *accumulator) drain(relationID uint32) Batch {
	b := Batch{RelationID: relationID, Rows: a.rows, MaxLSN: a.maxLSN}
	a.reset()
	return b
}
