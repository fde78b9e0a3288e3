// Package batch defines the batch-system contract from spec.md §6: the
// six operations the leader depends on from whatever opaque external
// system actually runs worker processes.
package batch

import "time"

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -generate

//counterfeiter:generate . BatchSystem

// BatchSystem is the opaque external actor that runs worker processes
// (spec.md §5, "Scheduling model"). The leader never inspects how jobs
// actually execute; it only issues, polls, kills, and shuts down.
type BatchSystem interface {
	// IssueBatchJob submits command with the given resource envelope
	// and returns the batch system's own id for the submitted task.
	IssueBatchJob(command string, memory int64, cpu float64, disk int64) (batchSystemID string, err error)

	// KillBatchJobs requests termination of every id and blocks until
	// each has reached a terminal state.
	KillBatchJobs(ids []string) error

	// GetIssuedBatchJobIDs returns every id the batch system still
	// tracks: issued but not yet reported through GetUpdatedBatchJob.
	GetIssuedBatchJobIDs() (map[string]struct{}, error)

	// GetRunningBatchJobIDs returns the subset of issued ids currently
	// executing, with how long each has been running.
	GetRunningBatchJobIDs() (map[string]time.Duration, error)

	// GetUpdatedBatchJob blocks for up to maxWait for a completed job.
	// ok is false if no completion arrived within the window.
	GetUpdatedBatchJob(maxWait time.Duration) (batchSystemID string, exitCode int, ok bool, err error)

	// Shutdown releases any resources the batch system holds. Safe to
	// call once, after the leader loop has terminated.
	Shutdown() error
}
