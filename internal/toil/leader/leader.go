// Package leader implements the leader loop (spec.md §4.4): the
// single-threaded event loop that drains the ready set, awaits batch
// system completions, and runs the two rescue policies. It is
// grounded on the teacher's scheduler.Scheduler — specifically its
// sleep-until-next / signal-driven main loop shape — generalized from
// a flat priority queue of scheduled jobs to the graph-aware ready set
// ToilState tracks.
package leader

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehsaniara/toil/internal/toil/batcher"
	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/state"
	"github.com/ehsaniara/toil/internal/toil/store"
	"github.com/ehsaniara/toil/pkg/config"
	"github.com/ehsaniara/toil/pkg/logger"
)

const awaitCompletionTimeout = 10 * time.Second

// Leader runs the single-threaded scheduling loop from spec.md §4.4
// over one job store, one reconstructed ToilState, and one JobBatcher.
type Leader struct {
	store   store.JobStore
	state   *state.ToilState
	batcher *batcher.JobBatcher
	cfg     config.Config
	logger  *logger.Logger

	// deletionInvocation builds the command string issued for a
	// deletion job (spec.md §4.4(a), fourth bullet): the generic
	// worker-invocation form from spec.md §6, asking the worker to
	// clean up jobID's owned files and delete its record.
	deletionInvocation func(jobID string) string

	missCounts map[string]int
	lastRescue time.Time

	failedCount int
}

// New constructs a Leader. deletionInvocation builds the command
// string a worker runs to delete jobID's record and owned files; it
// is supplied by the driver, which knows the interpreter, worker
// entry point, and job-store locator (spec.md §6).
func New(js store.JobStore, st *state.ToilState, jb *batcher.JobBatcher, cfg config.Config, deletionInvocation func(jobID string) string, log *logger.Logger) *Leader {
	if log == nil {
		log = logger.New()
	}
	return &Leader{
		store:              js,
		state:              st,
		batcher:            jb,
		cfg:                cfg,
		logger:             log.WithRole("leader"),
		deletionInvocation: deletionInvocation,
		missCounts:         make(map[string]int),
	}
}

// Run executes the leader loop to completion and returns the count of
// terminally failed jobs (spec.md §6, "Exit codes").
func (l *Leader) Run() (int, error) {
	l.lastRescue = time.Now()

	for {
		if err := l.drainReadySet(); err != nil {
			return l.failedCount, fmt.Errorf("leader: drain ready set: %w", err)
		}

		if l.batcher.Outstanding() == 0 {
			return l.failedCount, nil
		}

		jobStoreID, exitCode, ok, err := l.batcher.AwaitCompletion(awaitCompletionTimeout)
		if err != nil {
			return l.failedCount, fmt.Errorf("leader: await completion: %w", err)
		}

		if ok {
			readied, err := l.handleCompletion(jobStoreID, exitCode)
			if err != nil {
				return l.failedCount, fmt.Errorf("leader: handle completion %s: %w", jobStoreID, err)
			}
			l.state.ReadyJobs = append(l.state.ReadyJobs, readied...)
			continue
		}

		if err := l.rescueIfDue(); err != nil {
			return l.failedCount, fmt.Errorf("leader: rescue: %w", err)
		}
	}
}

// drainReadySet implements spec.md §4.4(a) as a work queue: processing
// a job may make new successors eligible, which are appended to the
// same queue so they are issued within this pass rather than waiting
// for the next await-completion round trip.
func (l *Leader) drainReadySet() error {
	queue := l.state.ReadyJobs
	l.state.ReadyJobs = nil

	for i := 0; i < len(queue); i++ {
		readied, err := l.drainOne(queue[i])
		if err != nil {
			return err
		}
		queue = append(queue, readied...)
	}
	return nil
}

func (l *Leader) drainOne(id string) ([]string, error) {
	rec, err := l.store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	if rec.HasCommand() {
		if rec.RemainingRetryCount > 0 {
			if err := l.batcher.Issue(id, rec.Command, rec.Memory, rec.CPU, rec.Disk); err != nil {
				return nil, err
			}
			return nil, nil
		}
		l.markTerminallyFailed(rec)
		return nil, nil
	}

	if top := rec.TopPhase(); top != nil && len(top.Successors) > 0 {
		return l.drainPhase(id, rec, top)
	}

	// Empty stack, no command: terminal. Issue a deletion job unless
	// retries are exhausted.
	if rec.RemainingRetryCount > 0 {
		cmd := l.deletionInvocation(id)
		if err := l.batcher.Issue(id, cmd, l.cfg.DefaultMemory, l.cfg.DefaultCPU, l.cfg.DefaultDisk); err != nil {
			return nil, err
		}
		return nil, nil
	}
	l.markTerminallyFailed(rec)
	return nil, nil
}

func (l *Leader) drainPhase(id string, rec *domain.JobRecord, top *domain.Phase) ([]string, error) {
	if _, counted := l.state.SuccessorCounts[id]; counted {
		return nil, fmt.Errorf("job %s already counted in successorCounts", id)
	}

	successors := append([]domain.SuccessorDescriptor(nil), top.Successors...)
	l.state.SuccessorCounts[id] = len(successors)
	rec.PopTopPhase()
	if err := l.store.Update(rec); err != nil {
		return nil, fmt.Errorf("pop phase for %s: %w", id, err)
	}

	var readied []string
	for _, succ := range successors {
		l.state.PredecessorsOf[succ.SuccessorJobStoreID] = append(l.state.PredecessorsOf[succ.SuccessorJobStoreID], id)

		if !succ.HasPredecessorID() {
			readied = append(readied, succ.SuccessorJobStoreID)
			continue
		}

		successorRec, err := l.store.Load(succ.SuccessorJobStoreID)
		if err != nil {
			return nil, fmt.Errorf("load successor %s: %w", succ.SuccessorJobStoreID, err)
		}
		joinComplete := successorRec.MarkPredecessorFinished(succ.PredecessorID)
		if err := l.store.Update(successorRec); err != nil {
			return nil, fmt.Errorf("persist join progress for %s: %w", succ.SuccessorJobStoreID, err)
		}
		if joinComplete {
			readied = append(readied, succ.SuccessorJobStoreID)
		}
	}
	return readied, nil
}

// handleCompletion implements spec.md §4.4(c).
func (l *Leader) handleCompletion(jobStoreID string, exitCode int) ([]string, error) {
	if l.store.Exists(jobStoreID) {
		rec, err := l.store.Load(jobStoreID)
		if err != nil {
			return nil, err
		}

		if rec.LogJobStoreFileID != "" {
			l.replayLog(rec.LogJobStoreFileID)
		}

		if exitCode != 0 {
			rec.SetupJobAfterFailure(rec.LogJobStoreFileID)
			if err := l.store.Update(rec); err != nil {
				return nil, err
			}
		}

		return []string{jobStoreID}, nil
	}

	// Record gone: a deletion job finished. Decrement predecessors'
	// successor counts; any reaching zero is ready for its next phase.
	var readied []string
	for _, parentID := range l.state.PredecessorsOf[jobStoreID] {
		l.state.SuccessorCounts[parentID]--
		if l.state.SuccessorCounts[parentID] <= 0 {
			delete(l.state.SuccessorCounts, parentID)
			readied = append(readied, parentID)
		}
	}
	delete(l.state.PredecessorsOf, jobStoreID)
	return readied, nil
}

// rescueIfDue implements spec.md §4.4(d).
func (l *Leader) rescueIfDue() error {
	if time.Since(l.lastRescue) < l.cfg.RescueJobsFrequency {
		return nil
	}
	l.lastRescue = time.Now()

	// The two policies touch disjoint state (rescueOverLong only the
	// batcher/batch system; rescueMissing the batcher plus its own
	// missCounts and ReadyJobs) so they run concurrently rather than
	// waiting on each other's batch-system round trip.
	var g errgroup.Group
	g.Go(func() error {
		if err := l.rescueOverLong(); err != nil {
			return fmt.Errorf("over-long rescue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := l.rescueMissing(); err != nil {
			return fmt.Errorf("missing rescue: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (l *Leader) rescueOverLong() error {
	durations, err := l.batcher.RunningDurations()
	if err != nil {
		return err
	}

	var overLong []string
	for id, d := range durations {
		if d > l.cfg.MaxJobDuration {
			overLong = append(overLong, id)
		}
	}
	if len(overLong) == 0 {
		return nil
	}

	l.logger.Warn("killing over-long jobs", "count", len(overLong))
	return l.batcher.Kill(overLong)
}

func (l *Leader) rescueMissing() error {
	issued := l.batcher.IssuedJobStoreIDs()
	known, err := l.batcher.KnownToBatchSystem()
	if err != nil {
		return err
	}

	var toKill []string
	for id := range issued {
		if _, stillKnown := known[id]; stillKnown {
			delete(l.missCounts, id)
			continue
		}
		l.missCounts[id]++
		if l.missCounts[id] >= l.cfg.MissingJobMissThreshold {
			toKill = append(toKill, id)
			delete(l.missCounts, id)
		}
	}

	for _, id := range toKill {
		l.logger.Warn("killing missing job", "jobStoreID", id, "misses", l.cfg.MissingJobMissThreshold)
		if err := l.batcher.Kill([]string{id}); err != nil {
			return err
		}
		l.batcher.Drop(id)

		readied, err := l.handleCompletion(id, -1)
		if err != nil {
			return err
		}
		l.state.ReadyJobs = append(l.state.ReadyJobs, readied...)
	}
	return nil
}

func (l *Leader) markTerminallyFailed(rec *domain.JobRecord) {
	l.failedCount++
	if rec.LogJobStoreFileID != "" {
		l.replayLog(rec.LogJobStoreFileID)
	}
	l.logger.Error("job terminally failed", "jobStoreID", rec.JobStoreID)
}

func (l *Leader) replayLog(fileID string) {
	err := l.store.ReadFileStream(fileID, func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		l.logger.Error("captured job log", "fileID", fileID, "log", string(data))
		return nil
	})
	if err != nil {
		l.logger.Warn("failed to replay log", "fileID", fileID, "error", err)
	}
}
