// Package domain holds the persisted job graph model (spec.md §3): the
// JobRecord, its successor stack, predecessor-join bookkeeping, and the
// promise/user-job types the worker substitutes before invoking user
// code (spec.md §9).
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// JobRecord is the persisted unit of work described in spec.md §3. It
// is exclusively owned by one actor at a time: the leader while queued
// or running, the worker while executing, then the leader again on
// completion (spec.md §3, "Ownership").
type JobRecord struct {
	JobStoreID string

	// Command is the opaque string the batch system executes. An empty
	// Command means "only successors remain" — spec.md's "none".
	Command string
	Memory  int64
	CPU     float64
	Disk    int64

	RemainingRetryCount int

	// PredecessorNumber is the authoritative in-degree declared at
	// creation (spec.md §9 open question: authoritative over the size
	// of PredecessorsFinished when the two ever disagree).
	PredecessorNumber   int
	PredecessorsFinished map[string]struct{}

	// Stack is the ordered sequence of successor phases; Stack[len-1]
	// is the top phase and runs first (spec.md §3, "Phase ordering").
	Stack []Phase

	// JobsToDelete holds tentative-child IDs pending the two-phase
	// commit in spec.md §4.2 step 4. Non-empty means "torn".
	JobsToDelete map[string]struct{}

	// LogJobStoreFileID names the file holding the last failed
	// attempt's captured log, or "" for none.
	LogJobStoreFileID string

	// UserJobFileID names the file holding this job's gob-encoded
	// EncodedUserJob, or "" if the record exists only to sequence its
	// successors (spec.md §9, "Serialized user state").
	UserJobFileID string

	// PromiseFileIDs records which of this job's vended promise
	// indices (spec.md §3, "rv(i)") have already been assigned a file,
	// so a retried attempt reuses the same file rather than
	// double-allocating (spec.md §4.2 step 2).
	PromiseFileIDs map[int]string

	// UpdateID is a random token stamped at creation enabling
	// idempotent cleanup of a record's associated tentative children.
	UpdateID string
}

// NewJobRecord constructs a fresh record with a freshly assigned
// jobStoreID and updateID, as store.Create does (spec.md §4.1).
// tryCount is the configured retry budget (spec.md §4.5, "try_count");
// callers source it from the store's DefaultTryCount rather than
// hardcoding it.
func NewJobRecord(command string, memory int64, cpu float64, disk int64, predecessorNumber int, tryCount int) *JobRecord {
	return &JobRecord{
		JobStoreID:           uuid.NewString(),
		Command:              command,
		Memory:               memory,
		CPU:                  cpu,
		Disk:                 disk,
		RemainingRetryCount:  tryCount,
		PredecessorNumber:    predecessorNumber,
		PredecessorsFinished: make(map[string]struct{}),
		JobsToDelete:         make(map[string]struct{}),
		PromiseFileIDs:       make(map[int]string),
		UpdateID:             uuid.NewString(),
	}
}

// HasCommand reports whether the record still has work of its own to
// run, as opposed to existing only to sequence its successors.
func (r *JobRecord) HasCommand() bool { return r.Command != "" }

// IsTerminal reports whether the record is a terminal record eligible
// for deletion: empty stack and no command (spec.md §3 invariants).
func (r *JobRecord) IsTerminal() bool {
	return len(r.Stack) == 0 && !r.HasCommand()
}

// IsTorn reports whether the record is mid-way through the two-phase
// expansion commit and must be reconciled by the cleanup pass before
// scheduling proceeds (spec.md §3 invariants).
func (r *JobRecord) IsTorn() bool { return len(r.JobsToDelete) > 0 }

// TopPhase returns the phase at the top of the stack, or nil if the
// stack is empty.
func (r *JobRecord) TopPhase() *Phase {
	if len(r.Stack) == 0 {
		return nil
	}
	return &r.Stack[len(r.Stack)-1]
}

// PopTopPhase removes and discards the top phase once it has drained.
func (r *JobRecord) PopTopPhase() {
	if len(r.Stack) == 0 {
		return
	}
	r.Stack = r.Stack[:len(r.Stack)-1]
}

// PushPhase pushes a new phase onto the top of the stack.
func (r *JobRecord) PushPhase(p Phase) {
	r.Stack = append(r.Stack, p)
}

// MarkPredecessorFinished records that predecessorID has finished and
// reports whether the join is now complete: |PredecessorsFinished| ==
// PredecessorNumber (spec.md §3, join semantics).
func (r *JobRecord) MarkPredecessorFinished(predecessorID string) bool {
	if r.PredecessorsFinished == nil {
		r.PredecessorsFinished = make(map[string]struct{})
	}
	r.PredecessorsFinished[predecessorID] = struct{}{}
	return len(r.PredecessorsFinished) >= r.PredecessorNumber
}

// Validate checks the record's invariants from spec.md §3. It does not
// check store-dependent invariants (successor existence); those are
// the cleanup pass's job (spec.md §4.3 step 1).
func (r *JobRecord) Validate() error {
	if r.JobStoreID == "" {
		return fmt.Errorf("job record has no jobStoreID")
	}
	if r.RemainingRetryCount < 0 {
		return fmt.Errorf("job %s: remainingRetryCount %d < 0", r.JobStoreID, r.RemainingRetryCount)
	}
	if len(r.PredecessorsFinished) > r.PredecessorNumber {
		return fmt.Errorf("job %s: predecessorsFinished %d exceeds predecessorNumber %d",
			r.JobStoreID, len(r.PredecessorsFinished), r.PredecessorNumber)
	}
	return nil
}

// setupJobAfterFailure prepares a record for another attempt after a
// failure (spec.md §4.5): it decrements the retry budget, never below
// zero, and records logFileID as the failed attempt's log. No other
// field is reset.
func (r *JobRecord) setupJobAfterFailure(logFileID string) {
	if r.RemainingRetryCount > 0 {
		r.RemainingRetryCount--
	}
	r.LogJobStoreFileID = logFileID
}

// SetupJobAfterFailure is the exported entry point leader completion
// handling calls on a failed attempt (spec.md §4.5).
func (r *JobRecord) SetupJobAfterFailure(logFileID string) { r.setupJobAfterFailure(logFileID) }
