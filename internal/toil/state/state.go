// Package state reconstructs and holds ToilState, the leader's
// in-memory view of the job graph (spec.md §4.3). It is grounded on
// the teacher's workflow.DependencyResolver: both walk a graph of
// join-gated nodes, track a remaining-predecessor count per node, and
// expose a ready set the scheduler drains — generalized here from a
// flat workflow DAG to the recursive children/follow-on phase stack
// spec.md §3 describes.
package state

import (
	"fmt"

	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/store"
	"github.com/ehsaniara/toil/pkg/logger"
)

// ToilState is the leader's reconstructed view of the graph (spec.md
// §4.3, "Resulting state"). It is mutated only by the leader (spec.md
// §5, "Shared-state discipline") — callers outside this package's
// owning goroutine must not touch it concurrently.
type ToilState struct {
	// ReadyJobs holds ids ready to dispatch: a command to run, or a
	// terminal record (empty stack, no command).
	ReadyJobs []string

	// SuccessorCounts maps a parent id to the number of unfinished
	// successors remaining in its current top phase.
	SuccessorCounts map[string]int

	// PredecessorsOf is the reverse index: successor id -> the parent
	// ids waiting on it, used on completion to decrement their counts.
	PredecessorsOf map[string][]string
}

// StatsCallback processes one drained stats/log blob. Passed through
// to store.ReadStatsAndLogging during the residual-drain step.
type StatsCallback func(blob []byte) error

// Reconstruct rebuilds ToilState from js, starting from rootJobID, per
// the three steps of spec.md §4.3: cleanup, residual stats drain, and
// the graph walk. It is called once at leader startup, fresh or
// restart alike.
func Reconstruct(js store.JobStore, rootJobID string, drainCallback StatsCallback, log *logger.Logger) (*ToilState, error) {
	if log == nil {
		log = logger.New()
	}
	log = log.WithField("component", "state")

	if err := cleanup(js, log); err != nil {
		return nil, fmt.Errorf("state: cleanup: %w", err)
	}

	if drainCallback != nil {
		if _, err := js.ReadStatsAndLogging(drainCallback); err != nil {
			return nil, fmt.Errorf("state: drain residual stats: %w", err)
		}
	}

	st := &ToilState{
		SuccessorCounts: make(map[string]int),
		PredecessorsOf:  make(map[string][]string),
	}

	if !js.Exists(rootJobID) {
		// An empty or already-completed graph: nothing to schedule.
		return st, nil
	}

	visited := map[string]bool{rootJobID: true}
	if err := walk(js, rootJobID, visited, st); err != nil {
		return nil, fmt.Errorf("state: walk graph: %w", err)
	}

	return st, nil
}

// cleanup implements spec.md §4.3 step 1.
func cleanup(js store.JobStore, log *logger.Logger) error {
	toDelete := make(map[string]struct{})

	js.Jobs(func(rec *domain.JobRecord, err error) bool {
		if err != nil {
			return true // best-effort: skip unreadable records, the walk will surface real damage
		}
		for id := range rec.JobsToDelete {
			toDelete[id] = struct{}{}
		}
		return true
	})

	for id := range toDelete {
		if err := js.Delete(id); err != nil {
			log.Warn("cleanup: failed to delete torn child", "jobStoreID", id, "error", err)
		}
	}

	var walkErr error
	js.Jobs(func(rec *domain.JobRecord, err error) bool {
		if err != nil {
			walkErr = err
			return false
		}
		if _, wasDeleted := toDelete[rec.JobStoreID]; wasDeleted {
			return true
		}

		changed := pruneDeadSuccessors(js, rec)
		if len(rec.JobsToDelete) > 0 {
			rec.JobsToDelete = make(map[string]struct{})
			changed = true
		}
		if rec.LogJobStoreFileID != "" {
			rec.LogJobStoreFileID = ""
			changed = true
		}

		if changed {
			if err := js.Update(rec); err != nil {
				walkErr = fmt.Errorf("persist cleaned record %s: %w", rec.JobStoreID, err)
				return false
			}
		}
		return true
	})

	return walkErr
}

// pruneDeadSuccessors removes successor descriptors whose target
// record no longer exists, then truncates any now-empty trailing
// phases. Reports whether rec.Stack changed.
func pruneDeadSuccessors(js store.JobStore, rec *domain.JobRecord) bool {
	changed := false

	for i, phase := range rec.Stack {
		kept := phase.Successors[:0:0]
		for _, succ := range phase.Successors {
			if js.Exists(succ.SuccessorJobStoreID) {
				kept = append(kept, succ)
			} else {
				changed = true
			}
		}
		rec.Stack[i].Successors = kept
	}

	for len(rec.Stack) > 0 && len(rec.Stack[len(rec.Stack)-1].Successors) == 0 {
		rec.Stack = rec.Stack[:len(rec.Stack)-1]
		changed = true
	}

	return changed
}

// walk implements spec.md §4.3 step 3.
func walk(js store.JobStore, id string, visited map[string]bool, st *ToilState) error {
	rec, err := js.Load(id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}

	if rec.HasCommand() || len(rec.Stack) == 0 {
		st.ReadyJobs = append(st.ReadyJobs, id)
		return nil
	}

	top := rec.TopPhase()
	st.SuccessorCounts[id] = len(top.Successors)

	for _, succ := range top.Successors {
		sid := succ.SuccessorJobStoreID
		st.PredecessorsOf[sid] = append(st.PredecessorsOf[sid], id)

		if !visited[sid] {
			visited[sid] = true
			if err := walk(js, sid, visited, st); err != nil {
				return err
			}
		}
	}

	return nil
}
