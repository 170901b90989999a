package sink

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/dbmazz/cdc/internal/pipeline"
	"github.com/dbmazz/cdc/internal/wal"
)

func widgetsRelation() wal.Relation {
	return wal.Relation{
		RelationID: 1,
		Namespace:  "public",
		Name:       "widgets",
		Columns: []wal.Column{
			{Name: "id", TypeOID: oidInt4, IsKey: true},
			{Name: "price", TypeOID: oidNumeric, TypeModifier: -1},
		},
	}
}

func textTuple(vals ...string) wal.Tuple {
	cols := make([]wal.TupleColumn, len(vals))
	for i, v := range vals {
		cols[i] = wal.TupleColumn{Kind: wal.TupleText, Data: []byte(v)}
	}
	return wal.Tuple{Columns: cols}
}

func TestBuildPayloadOmitsUnchangedToastKeyEntirely(t *testing.T) {
	rel := widgetsRelation()
	row := pipeline.RowOp{
		Op: pipeline.OpUpdate,
		Values: wal.Tuple{Columns: []wal.TupleColumn{
			{Kind: wal.TupleText, Data: []byte("1")},
			{Kind: wal.TupleUnchangedTOAST},
		}},
		ToastMask: 1 << 1,
		CommitLSN: 100,
	}
	batch := pipeline.Batch{RelationID: 1, Rows: []pipeline.RowOp{row}, MaxLSN: 100}

	payload, err := BuildPayload(rel, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	line := strings.TrimSpace(string(payload.NDJSON))
	if err := sonic.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("unexpected error decoding payload line: %v", err)
	}
	if _, present := decoded["price"]; present {
		t.Fatalf("expected unchanged-toast column 'price' to be omitted entirely, got %v", decoded["price"])
	}
	if _, present := decoded["id"]; !present {
		t.Fatalf("expected column 'id' to be present")
	}
}

func TestBuildPayloadNullColumnIsExplicitNull(t *testing.T) {
	rel := widgetsRelation()
	row := pipeline.RowOp{
		Op: pipeline.OpInsert,
		Values: wal.Tuple{Columns: []wal.TupleColumn{
			{Kind: wal.TupleText, Data: []byte("1")},
			{Kind: wal.TupleNull},
		}},
		CommitLSN: 50,
	}
	batch := pipeline.Batch{RelationID: 1, Rows: []pipeline.RowOp{row}, MaxLSN: 50}

	payload, err := BuildPayload(rel, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := sonic.Unmarshal(payload.NDJSON[:len(payload.NDJSON)-1], &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, present := decoded["price"]
	if !present {
		t.Fatalf("expected explicit null column 'price' to be present as a key")
	}
	if val != nil {
		t.Fatalf("expected 'price' to be JSON null, got %v", val)
	}
}

func TestBuildPayloadPartialUpdateRequiresBothToastAndWriteOp(t *testing.T) {
	rel := widgetsRelation()

	// A delete with a toast mask set must not flip partial_update: only
	// insert/update rows matter for this flag.
	deleteRow := pipeline.RowOp{Op: pipeline.OpDelete, ToastMask: 1, Values: textTuple("1", "2")}
	batch := pipeline.Batch{RelationID: 1, Rows: []pipeline.RowOp{deleteRow}}
	payload, err := BuildPayload(rel, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.PartialUpdate {
		t.Fatalf("expected partial_update to be false when only delete rows carry a toast mask")
	}

	updateRowNoToast := pipeline.RowOp{Op: pipeline.OpUpdate, Values: textTuple("1", "2")}
	batch = pipeline.Batch{RelationID: 1, Rows: []pipeline.RowOp{updateRowNoToast}}
	payload, err = BuildPayload(rel, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.PartialUpdate {
		t.Fatalf("expected partial_update to be false when no row carries a toast mask")
	}

	updateRowWithToast := pipeline.RowOp{Op: pipeline.OpUpdate, ToastMask: 1 << 1, Values: textTuple("1", "2")}
	batch = pipeline.Batch{RelationID: 1, Rows: []pipeline.RowOp{updateRowNoToast, updateRowWithToast}}
	payload, err = BuildPayload(rel, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payload.PartialUpdate {
		t.Fatalf("expected partial_update to be true once any insert/update row in the batch carries a toast mask")
	}
}

func TestBuildPayloadAppendsAuditColumns(t *testing.T) {
	rel := widgetsRelation()
	row := pipeline.RowOp{Op: pipeline.OpInsert, Values: textTuple("1", "2"), CommitLSN: 77}
	batch := pipeline.Batch{RelationID: 1, Rows: []pipeline.RowOp{row}, MaxLSN: 77}

	payload, err := BuildPayload(rel, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range auditColumnNames {
		found := false
		for _, c := range payload.Columns {
			if c == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected columns header to include audit column %q", name)
		}
	}

	var decoded map[string]any
	if err := sonic.Unmarshal(payload.NDJSON[:len(payload.NDJSON)-1], &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["dbmazz_op_type"].(float64) != 0 {
		t.Fatalf("expected op_type 0 for insert, got %v", decoded["dbmazz_op_type"])
	}
	if decoded["dbmazz_is_deleted"].(bool) != false {
		t.Fatalf("expected is_deleted false for insert")
	}
	if decoded["dbmazz_cdc_version"].(float64) != 77 {
		t.Fatalf("expected cdc_version 77, got %v", decoded["dbmazz_cdc_version"])
	}
}

func TestOpTypeCodeMapping(t *testing.T) {
	cases := map[pipeline.Op]int{
		pipeline.OpInsert: 0,
		pipeline.OpUpdate: 1,
		pipeline.OpDelete: 2,
	}
	for op, want := range cases {
		if got := opTypeCode(op); got != want {
			t.Fatalf("opTypeCode(%v): expected %d, got %d", op, want, got)
		}
	}
}
