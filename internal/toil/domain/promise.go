package domain

import "encoding/gob"

func init() {
	// Registered so a PromiseReference can travel inside a FunctionJob's
	// []interface{} Args and be recovered on decode (spec.md §4.2 step
	// 2, "Promise substitution").
	gob.Register(PromiseReference{})
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

// PromiseReference is a value placeholder vended by one job and
// materialized before a consumer runs (spec.md §3, §4.2 step 2-3, §9
// "Promise substitution"). Index selects a component of the producing
// job's return value; 0 when the return value is not a tuple.
type PromiseReference struct {
	JobStoreFileID string
	Index          int
}

// IsZero reports whether r is the zero value; the worker's promise
// substitution rejects a zero reference with an error.
func (r PromiseReference) IsZero() bool { return r.JobStoreFileID == "" }
