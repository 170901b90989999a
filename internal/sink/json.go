package sink

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dbmazz/cdc/internal/pipeline"
	"github.com/dbmazz/cdc/internal/wal"
)

// Payload is a built Stream Load request body plus the header metadata
// that depends on its contents.
type Payload struct {
	NDJSON        []byte
	Columns       []string // superset of keys that may appear in any row, for the columns: header
	PartialUpdate bool
}

var auditColumnNames = []string{
	"dbmazz_op_type",
	"dbmazz_is_deleted",
	"dbmazz_synced_at",
	"dbmazz_cdc_version",
}

// BuildPayload renders one relation's flushed batch as newline-delimited
// JSON with audit columns appended and unchanged-toast keys omitted
// entirely (spec.md §4.5's JSON encoding rules), using sonic as the
// SIMD-accelerated encoder.
func BuildPayload(rel wal.Relation, batch pipeline.Batch) (Payload, error) {
	now := time.Now().UTC()
	var buf bytes.Buffer
	var hasToast, hasInsertOrUpdate bool

	for _, row := range batch.Rows {
		obj, err := rowToJSON(rel, row, now)
		if err != nil {
			return Payload{}, err
		}
		line, err := sonic.Marshal(obj)
		if err != nil {
			return Payload{}, fmt.Errorf("sink: marshal row: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')

		if row.ToastMask != 0 {
			hasToast = true
		}
		if row.Op == pipeline.OpInsert || row.Op == pipeline.OpUpdate {
			hasInsertOrUpdate = true
		}
	}

	cols := make([]string, 0, len(rel.Columns)+len(auditColumnNames))
	for _, c := range rel.Columns {
		cols = append(cols, c.Name)
	}
	cols = append(cols, auditColumnNames...)

	return Payload{
		NDJSON:        buf.Bytes(),
		Columns:       cols,
		PartialUpdate: hasInsertOrUpdate && hasToast,
	}, nil
}

func rowToJSON(rel wal.Relation, row pipeline.RowOp, now time.Time) (map[string]any, error) {
	obj := make(map[string]any, len(rel.Columns)+len(auditColumnNames))

	for i, col := range rel.Columns {
		if i < 64 && row.ToastMask&(1<<uint(i)) != 0 {
			continue // unchanged-toast: omit the key entirely, preserving sink state
		}
		if i >= len(row.Values.Columns) {
			continue
		}
		slot := row.Values.Columns[i]
		switch slot.Kind {
		case wal.TupleNull:
			obj[col.Name] = nil
		case wal.TupleUnchangedTOAST:
			continue
		case wal.TupleText:
			v, err := jsonValue(col.TypeOID, slot.Data)
			if err != nil {
				return nil, fmt.Errorf("sink: column %q: %w", col.Name, err)
			}
			obj[col.Name] = v
		}
	}

	obj["dbmazz_op_type"] = opTypeCode(row.Op)
	obj["dbmazz_is_deleted"] = row.Op == pipeline.OpDelete
	obj["dbmazz_synced_at"] = now.Format("2006-01-02 15:04:05.000")
	obj["dbmazz_cdc_version"] = row.CommitLSN

	return obj, nil
}

func opTypeCode(op pipeline.Op) int {
	switch op {
	case pipeline.OpInsert:
		return 0
	case pipeline.OpUpdate:
		return 1
	case pipeline.OpDelete:
		return 2
	default:
		return -1
	}
}
