// Package errors implements the error taxonomy from spec.md §7: a
// small set of typed, wrappable errors that the store, the worker, and
// the leader distinguish between when deciding whether a failure is
// fatal to the caller, retry-eligible, or a missing record or file.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a toil error per spec.md §7's error table.
type Kind string

const (
	// KindNoSuchJob is returned by store.Load (and store.Update) for a
	// missing jobStoreID. The leader's completion handling checks
	// store.Exists first rather than relying on this error.
	KindNoSuchJob Kind = "NO_SUCH_JOB"

	// KindNoSuchFile is returned by a file lookup against a missing
	// fileID. Fatal when encountered loading a promise (its producer
	// failed before writing it); otherwise surfaced to the caller.
	KindNoSuchFile Kind = "NO_SUCH_FILE"

	// KindConcurrentModification is returned by updateFile when the
	// store detects a second writer. Retry-eligible at the caller; in
	// steady-state single-writer operation it indicates a bug.
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"

	// KindCycle marks an augmented-graph cycle detected by the
	// worker-side expansion check (spec.md §4.2 step 1).
	KindCycle Kind = "CYCLE"

	// KindNestedPromise marks a PromiseReference returned directly as
	// the result of user code.
	KindNestedPromise Kind = "NESTED_PROMISE"

	// KindInvalid covers malformed records, out-of-range promise
	// indices, and other programming-error-shaped input.
	KindInvalid Kind = "INVALID"
)

// Error is the concrete error type every toil package returns for
// classifiable failures. It always unwraps to the underlying cause
// when there is one, so errors.Is/errors.As keep working against
// sentinels from other packages (e.g. context.DeadlineExceeded).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a bare typed error with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind and message to an existing error.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// NoSuchJob builds the error store.Load returns for a missing jobStoreID.
func NoSuchJob(id string) error {
	return New(KindNoSuchJob, fmt.Sprintf("no such job: %s", id))
}

// NoSuchFile builds the error file lookups return for a missing fileID.
func NoSuchFile(id string) error {
	return New(KindNoSuchFile, fmt.Sprintf("no such file: %s", id))
}

// ConcurrentModification builds the error updateFile returns when a
// second writer is detected on a file already open for update.
func ConcurrentModification(id string) error {
	return New(KindConcurrentModification, fmt.Sprintf("concurrent modification: %s", id))
}

// Cycle builds the error the worker returns when the augmented-graph
// cycle check (spec.md §4.2 step 1) finds a cycle rooted at jobID.
func Cycle(jobID string, path []string) error {
	return New(KindCycle, fmt.Sprintf("cycle in augmented graph at %s: %v", jobID, path))
}

// NestedPromise builds the error the worker returns when user code
// returns a PromiseReference (spec.md §4.2, "Disallowed").
func NestedPromise(jobID string) error {
	return New(KindNestedPromise, fmt.Sprintf("job %s returned a PromiseReference", jobID))
}

// Is reports whether err carries the given Kind, walking the Unwrap chain.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// IsNoSuchJob reports whether err is (or wraps) a KindNoSuchJob error,
// telling a missing record apart from every other load failure.
func IsNoSuchJob(err error) bool { return Is(err, KindNoSuchJob) }

// IsConcurrentModification reports whether err is retry-eligible per
// the ConcurrentFileModification row of spec.md §7's error table.
func IsConcurrentModification(err error) bool { return Is(err, KindConcurrentModification) }
