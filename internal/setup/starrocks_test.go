package setup

import (
	"errors"
	"testing"
)

func TestColumnAlreadyExistsRecognizesDuplicateColumnErrors(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("Error 1060: Duplicate column name 'dbmazz_op_type'"), true},
		{errors.New("column dbmazz_is_deleted already exists"), true},
		{errors.New("connection refused"), false},
		{errors.New("unknown column 'foo' in 'field list'"), false},
	}
	for _, tc := range cases {
		if got := columnAlreadyExists(tc.err); got != tc.want {
			t.Fatalf("columnAlreadyExists(%q): expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestAuditColumnsCoverTheFourSinkFields(t *testing.T) {
	want := map[string]bool{
		"dbmazz_op_type":     true,
		"dbmazz_is_deleted":  true,
		"dbmazz_synced_at":   true,
		"dbmazz_cdc_version": true,
	}
	if len(auditColumns) != len(want) {
		t.Fatalf("expected %d audit columns, got %d", len(want), len(auditColumns))
	}
	for _, c := range auditColumns {
		if !want[c.name] {
			t.Fatalf("unexpected audit column %q", c.name)
		}
		if c.ddl == "" {
			t.Fatalf("audit column %q has an empty DDL fragment", c.name)
		}
	}
}
