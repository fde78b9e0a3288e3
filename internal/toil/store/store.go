// Package store defines the job store contract (spec.md §4.1): the
// durable key-value abstraction the scheduler's crash-consistency
// argument is built on. Concrete backends (POSIX filesystem, object
// store) are external collaborators per spec.md §1 — this package
// specifies only the interface the core consumes from them, plus the
// shared-file-name validation rule from spec.md §6.
package store

import (
	"io"
	"regexp"

	"github.com/ehsaniara/toil/internal/toil/domain"
)

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -generate

// sharedFileNamePattern is the validation rule from spec.md §6.
var sharedFileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidSharedFileName reports whether name may be used with
// WriteSharedFileStream / ReadSharedFileStream.
func ValidSharedFileName(name string) bool {
	return sharedFileNamePattern.MatchString(name)
}

//counterfeiter:generate . JobStore

// JobStore is the durable key-value store over job records and files
// that the scheduler core depends on (spec.md §4.1). All methods
// except the streaming variants are expected to be safe for concurrent
// use by multiple goroutines within one process; cross-process
// concurrency guarantees are a property of the concrete backend.
type JobStore interface {
	// Create assigns a fresh jobStoreID, persists the record, and
	// returns it. If updateID is "", one is generated.
	Create(command string, memory int64, cpu float64, disk int64, updateID string, predecessorNumber int) (*domain.JobRecord, error)

	// DefaultTryCount is the retry budget (spec.md §4.5, "try_count")
	// new records are given absent an explicit override, configured at
	// construction time. Create and any caller building a record
	// client-side (spec.md §4.2 step 4, the worker's tentative-children
	// commit) source a job's RemainingRetryCount from here so every
	// record in the store honors the same operator-configured budget.
	DefaultTryCount() int

	// Load returns the record for id, or a NoSuchJob error (pkg/errors)
	// if it does not exist.
	Load(id string) (*domain.JobRecord, error)

	// Update atomically replaces the persisted record for
	// record.JobStoreID. No partial write is ever observable by a
	// concurrent Load (spec.md §4.1, "Rationale for atomic update").
	// The record must already exist; use CreateChild to persist one for
	// the first time with a caller-assigned jobStoreID.
	Update(record *domain.JobRecord) error

	// CreateChild persists a record that was already fully constructed
	// client-side, jobStoreID included, as part of the worker's
	// tentative-children commit (spec.md §4.2 step 4: IDs are assigned
	// to every new descendant before any of them exist, so the parent's
	// jobsToDelete marker can name them ahead of creation). Unlike
	// Update, it does not require the record to already exist.
	CreateChild(record *domain.JobRecord) error

	// Delete removes the record and all files it owns. Idempotent:
	// deleting a record that does not exist is not an error.
	Delete(id string) error

	Exists(id string) bool

	// Jobs iterates every persisted record. Used only by the cleanup
	// pass (spec.md §4.3 step 1); yield returning false stops iteration
	// early. A record that fails to load is passed to yield with a
	// non-nil error and the scan continues unless yield returns false.
	Jobs(yield func(*domain.JobRecord, error) bool)

	// WriteFile persists the contents of localPath as a new file owned
	// by jobID and returns its fileID.
	WriteFile(jobID, localPath string) (fileID string, err error)

	// ReadFile copies the contents of fileID to localPath.
	ReadFile(fileID, localPath string) error

	// UpdateFile overwrites fileID's contents from localPath. Returns a
	// ConcurrentModification error (pkg/errors) if the backend detects
	// a second concurrent writer.
	UpdateFile(fileID, localPath string) error

	DeleteFile(fileID string) error
	FileExists(fileID string) bool

	// GetEmptyFileStoreID allocates a new, empty file owned by jobID
	// and returns its fileID — used to reserve a promise's file handle
	// before the producing job has a value to write (spec.md §4.2 step 2).
	GetEmptyFileStoreID(jobID string) (fileID string, err error)

	// WriteFileStream and ReadFileStream give scoped access to a file's
	// contents with the writer/reader guaranteed closed on every exit
	// path from fn, including a panic unwinding through fn.
	WriteFileStream(jobID string, fn func(w io.Writer) error) (fileID string, err error)
	ReadFileStream(fileID string, fn func(r io.Reader) error) error

	// WriteSharedFileStream and ReadSharedFileStream give scoped access
	// to a shared file keyed by name (validated against
	// ValidSharedFileName), not owned by any job — used for the
	// configuration document and the aggregated stats/log document.
	WriteSharedFileStream(name string, fn func(w io.Writer) error) error
	ReadSharedFileStream(name string, fn func(r io.Reader) error) error

	// WriteStatsAndLogging appends blob to the stats/log channel.
	// Concurrent writes from many workers are safe.
	WriteStatsAndLogging(blob []byte) error

	// ReadStatsAndLogging drains every entry written since the last
	// successful read, invoking callback once per entry, and returns
	// the number of entries drained. A successful read removes the
	// drained entries.
	ReadStatsAndLogging(callback func(blob []byte) error) (count int, err error)
}
