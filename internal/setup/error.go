package setup

import "fmt"

// Error reports one idempotent-setup failure: missing table, auth
// failure, or a DDL error during the SETUP stage. Per spec.md §7 this
// drives the engine to FAILED while the control facade keeps listening;
// the Error() text is the human-readable detail the status facade exposes.
type Error struct {
	Phase  string // "postgres" or "starrocks"
	Table  string // empty if not table-specific
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("setup(%s): table %q: %s: %v", e.Phase, e.Table, e.Reason, e.Err)
	}
	return fmt.Sprintf("setup(%s): %s: %v", e.Phase, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
