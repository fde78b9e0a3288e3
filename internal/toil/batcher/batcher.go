// Package batcher implements JobBatcher (spec.md §4.4): the bridge
// between the leader loop's jobStoreID-keyed decisions and the
// batch-system contract's own id space.
package batcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehsaniara/toil/internal/toil/batch"
	"github.com/ehsaniara/toil/pkg/logger"
)

// JobBatcher tracks the mapping between jobStoreIDs the leader reasons
// about and batchSystemIDs the batch system hands back, and exposes
// the leader-loop-shaped operations built on top of batch.BatchSystem.
type JobBatcher struct {
	bs     batch.BatchSystem
	logger *logger.Logger

	mu                  sync.Mutex
	jobStoreToBatchID   map[string]string
	batchIDToJobStoreID map[string]string
}

// New returns a JobBatcher issuing work through bs.
func New(bs batch.BatchSystem, log *logger.Logger) *JobBatcher {
	if log == nil {
		log = logger.New()
	}
	return &JobBatcher{
		bs:                  bs,
		logger:              log.WithField("component", "batcher"),
		jobStoreToBatchID:   make(map[string]string),
		batchIDToJobStoreID: make(map[string]string),
	}
}

// Issue submits command for jobStoreID and records the id mapping.
func (b *JobBatcher) Issue(jobStoreID, command string, memory int64, cpu float64, disk int64) error {
	batchID, err := b.bs.IssueBatchJob(command, memory, cpu, disk)
	if err != nil {
		return fmt.Errorf("batcher: issue %s: %w", jobStoreID, err)
	}

	b.mu.Lock()
	b.jobStoreToBatchID[jobStoreID] = batchID
	b.batchIDToJobStoreID[batchID] = jobStoreID
	b.mu.Unlock()

	b.logger.Debug("issued job", "jobStoreID", jobStoreID, "batchSystemID", batchID)
	return nil
}

// Kill requests termination of every still-outstanding id in
// jobStoreIDs, ignoring ids the batcher no longer tracks.
func (b *JobBatcher) Kill(jobStoreIDs []string) error {
	b.mu.Lock()
	batchIDs := make([]string, 0, len(jobStoreIDs))
	for _, id := range jobStoreIDs {
		if bid, ok := b.jobStoreToBatchID[id]; ok {
			batchIDs = append(batchIDs, bid)
		}
	}
	b.mu.Unlock()

	if len(batchIDs) == 0 {
		return nil
	}
	return b.bs.KillBatchJobs(batchIDs)
}

// Drop removes jobStoreID from the batcher's bookkeeping without
// touching the underlying batch system — used by the missing-job
// rescue policy to give up waiting for an id the batch system has
// already lost track of.
func (b *JobBatcher) Drop(jobStoreID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bid, ok := b.jobStoreToBatchID[jobStoreID]; ok {
		delete(b.jobStoreToBatchID, jobStoreID)
		delete(b.batchIDToJobStoreID, bid)
	}
}

// Outstanding reports how many jobs are currently issued and not yet
// completed. The leader loop terminates when this reaches zero
// (spec.md §4.4(b)).
func (b *JobBatcher) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobStoreToBatchID)
}

// IssuedJobStoreIDs returns every jobStoreID currently tracked as
// outstanding.
func (b *JobBatcher) IssuedJobStoreIDs() map[string]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make(map[string]struct{}, len(b.jobStoreToBatchID))
	for id := range b.jobStoreToBatchID {
		ids[id] = struct{}{}
	}
	return ids
}

// KnownToBatchSystem returns the jobStoreIDs the underlying batch
// system still reports as issued, translated out of its own id space.
func (b *JobBatcher) KnownToBatchSystem() (map[string]struct{}, error) {
	batchIDs, err := b.bs.GetIssuedBatchJobIDs()
	if err != nil {
		return nil, fmt.Errorf("batcher: get issued batch job ids: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	known := make(map[string]struct{}, len(batchIDs))
	for bid := range batchIDs {
		if jobStoreID, ok := b.batchIDToJobStoreID[bid]; ok {
			known[jobStoreID] = struct{}{}
		}
	}
	return known, nil
}

// RunningDurations returns how long each currently-running job has
// been executing, keyed by jobStoreID.
func (b *JobBatcher) RunningDurations() (map[string]time.Duration, error) {
	batchDurations, err := b.bs.GetRunningBatchJobIDs()
	if err != nil {
		return nil, fmt.Errorf("batcher: get running batch job ids: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	durations := make(map[string]time.Duration, len(batchDurations))
	for bid, d := range batchDurations {
		if jobStoreID, ok := b.batchIDToJobStoreID[bid]; ok {
			durations[jobStoreID] = d
		}
	}
	return durations, nil
}

// AwaitCompletion blocks for up to maxWait for a completed job,
// translating the batch system's id back to a jobStoreID and
// retiring the mapping.
func (b *JobBatcher) AwaitCompletion(maxWait time.Duration) (jobStoreID string, exitCode int, ok bool, err error) {
	batchID, exitCode, ok, err := b.bs.GetUpdatedBatchJob(maxWait)
	if err != nil || !ok {
		return "", 0, false, err
	}

	b.mu.Lock()
	jobStoreID, known := b.batchIDToJobStoreID[batchID]
	if known {
		delete(b.batchIDToJobStoreID, batchID)
		delete(b.jobStoreToBatchID, jobStoreID)
	}
	b.mu.Unlock()

	if !known {
		b.logger.Warn("completion for unknown batch id", "batchSystemID", batchID)
		return "", 0, false, nil
	}
	return jobStoreID, exitCode, true, nil
}

// Shutdown releases the underlying batch system.
func (b *JobBatcher) Shutdown() error {
	return b.bs.Shutdown()
}
