// Package worker implements the graph-construction protocol a worker
// runs once a UserJob's Run method returns (spec.md §4.2): augmented-
// graph cycle rejection, promise materialization, the two-phase
// tentative-children commit that keeps a crash mid-expansion
// recoverable by the leader's cleanup pass (spec.md §4.3 step 1), and
// fan-out/fan-in join construction (spec.md §8 Scenario 2).
package worker

import (
	"fmt"

	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/store"
	toilerrors "github.com/ehsaniara/toil/pkg/errors"
	"github.com/ehsaniara/toil/pkg/logger"
)

// argsSetter is implemented by UserJob adapters (domain.FunctionJob,
// domain.SelfWrappingJob) whose captured state is a plain argument
// list rather than the job struct's own fields, so decode has
// somewhere to install gob-decoded, promise-substituted arguments.
type argsSetter interface {
	SetArgs([]interface{})
}

// Run is the worker binary's entry point for one issued job (spec.md
// §4.2): decode the job's captured state, invoke it, and commit
// whatever graph it declares. A non-nil error means the attempt
// failed; the caller (a toil-worker process) exits non-zero so the
// leader's batch system reports failure and spec.md §4.5 retry
// handling takes over.
func Run(js store.JobStore, registry *domain.Registry, jobID string, workerCommand func(jobID string) string, log *logger.Logger) error {
	if log == nil {
		log = logger.New()
	}
	log = log.WithField("jobID", jobID).WithRole("worker")

	rec, err := js.Load(jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if rec.UserJobFileID == "" {
		return toilerrors.New(toilerrors.KindInvalid, fmt.Sprintf("job %s has a command but no user job state", jobID))
	}

	var enc domain.EncodedUserJob
	if err := readGobFromFile(js, rec.UserJobFileID, &enc); err != nil {
		return fmt.Errorf("load user job state for %s: %w", jobID, err)
	}

	job, err := registry.New(enc.TypeTag)
	if err != nil {
		return fmt.Errorf("construct user job for %s: %w", jobID, err)
	}

	ctx := &fileStoreContext{js: js, rec: rec}

	if err := decodeAndSubstitute(js, ctx, enc, job); err != nil {
		return fmt.Errorf("decode user job %s: %w", jobID, err)
	}

	log.Debug("invoking user job", "typeTag", enc.TypeTag)
	result, runErr := job.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("user job %s failed: %w", jobID, runErr)
	}

	if _, ok := result.(domain.PromiseReference); ok {
		return toilerrors.NestedPromise(jobID)
	}

	value := result
	var children, followOns []domain.UserJob
	var joins []domain.Join
	if exp, ok := result.(*domain.Expansion); ok {
		value = exp.Value
		children = exp.Children
		followOns = exp.FollowOns
		joins = exp.Joins
	}

	if err := materializePromises(js, rec, value); err != nil {
		return fmt.Errorf("materialize promises for %s: %w", jobID, err)
	}

	if len(children) == 0 && len(followOns) == 0 && len(joins) == 0 {
		rec.Command = ""
		if err := js.Update(rec); err != nil {
			return fmt.Errorf("persist leaf completion for %s: %w", jobID, err)
		}
		log.Debug("leaf job committed with no expansion")
		return nil
	}

	return commitExpansion(js, rec, children, followOns, joins, workerCommand, log)
}

// decodeAndSubstitute installs job's captured state from enc, routing
// through SetArgs for the function-wrapping adapters and through a
// direct struct decode for statically typed jobs, then substitutes
// any PromiseReference found among the decoded arguments.
func decodeAndSubstitute(js store.JobStore, ctx *fileStoreContext, enc domain.EncodedUserJob, job domain.UserJob) error {
	setter, isFunctionStyle := job.(argsSetter)
	if !isFunctionStyle {
		return domain.Decode(enc, job)
	}

	var args []interface{}
	if err := domain.Decode(enc, &args); err != nil {
		return err
	}
	substituted, err := substitutePromises(js, args)
	if err != nil {
		return err
	}
	setter.SetArgs(substituted)
	return nil
}

// substitutePromises replaces a PromiseReference found standalone or
// nested one level inside a slice or map with its materialized value
// (spec.md §4.2 step 2, "Promise substitution"). Deeper nesting is
// rejected: the worker has no way to discover a reference buried
// further inside an arbitrary decoded value.
func substitutePromises(js store.JobStore, args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		resolved, err := substituteOne(js, arg, false)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = resolved
	}
	return out, nil
}

func substituteOne(js store.JobStore, v interface{}, nested bool) (interface{}, error) {
	switch val := v.(type) {
	case domain.PromiseReference:
		return readPromiseValue(js, val)
	case []interface{}:
		if nested {
			return nil, fmt.Errorf("promise reference nested more than one level deep")
		}
		resolved := make([]interface{}, len(val))
		for i, elem := range val {
			r, err := substituteOne(js, elem, true)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	case map[string]interface{}:
		if nested {
			return nil, fmt.Errorf("promise reference nested more than one level deep")
		}
		resolved := make(map[string]interface{}, len(val))
		for k, elem := range val {
			r, err := substituteOne(js, elem, true)
			if err != nil {
				return nil, err
			}
			resolved[k] = r
		}
		return resolved, nil
	default:
		return v, nil
	}
}

func readPromiseValue(js store.JobStore, ref domain.PromiseReference) (interface{}, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("zero-value promise reference")
	}
	var value interface{}
	if err := readGobFromFile(js, ref.JobStoreFileID, &value); err != nil {
		return nil, fmt.Errorf("resolve promise index %d: %w", ref.Index, err)
	}
	return value, nil
}

// materializePromises writes value into whichever promise file the
// job vended for index 0 (or, for a multi-value return, indexes its
// slice elements against the vended indices) — spec.md §4.2 step 3.
// A job that vended no promises has nothing to materialize, whether or
// not it returned an expansion.
func materializePromises(js store.JobStore, rec *domain.JobRecord, value interface{}) error {
	if len(rec.PromiseFileIDs) == 0 {
		return nil
	}

	values, ok := value.([]interface{})
	if !ok {
		values = []interface{}{value}
	}

	for index, fileID := range rec.PromiseFileIDs {
		if index < 0 || index >= len(values) {
			return toilerrors.New(toilerrors.KindInvalid,
				fmt.Sprintf("job %s vended promise index %d but returned %d values", rec.JobStoreID, index, len(values)))
		}
		if err := writeGobToFile(js, fileID, values[index]); err != nil {
			return err
		}
	}
	return nil
}

// commitExpansion implements spec.md §4.2 step 4's two-phase commit:
// tentatively record every new descendant's ID as pending deletion
// before any of them exist, create them, then atomically reveal the
// new phases and clear the tentative marker. A crash at any point
// leaves either no new records (cleanup deletes nothing, JobsToDelete
// already cleared) or a fully torn set the cleanup pass deletes
// wholesale (spec.md §4.3 step 1). Join targets are part of the same
// tentative set as ordinary children and follow-ons even though they
// never appear in rec's own phase (spec.md §3, join semantics; spec.md
// §8 Scenario 2).
func commitExpansion(js store.JobStore, rec *domain.JobRecord, children, followOns []domain.UserJob, joins []domain.Join, workerCommand func(jobID string) string, log *logger.Logger) error {
	childIDs := make([]string, 0, len(children))
	childRecords := make([]*domain.JobRecord, 0, len(children))
	for i, uj := range children {
		r, err := newChildRecord(js, uj, workerCommand, 1)
		if err != nil {
			return fmt.Errorf("prepare child %d: %w", i, err)
		}
		childIDs = append(childIDs, r.JobStoreID)
		childRecords = append(childRecords, r)
	}

	followOnIDs := make([]string, 0, len(followOns))
	followOnRecords := make([]*domain.JobRecord, 0, len(followOns))
	for i, uj := range followOns {
		r, err := newChildRecord(js, uj, workerCommand, 1)
		if err != nil {
			return fmt.Errorf("prepare follow-on %d: %w", i, err)
		}
		followOnIDs = append(followOnIDs, r.JobStoreID)
		followOnRecords = append(followOnRecords, r)
	}

	var joinTargets []*domain.JobRecord
	for i, j := range joins {
		members, target, err := newJoinRecords(js, j, workerCommand)
		if err != nil {
			return fmt.Errorf("prepare join %d: %w", i, err)
		}
		for _, m := range members {
			childIDs = append(childIDs, m.JobStoreID)
			childRecords = append(childRecords, m)
		}
		joinTargets = append(joinTargets, target)
	}

	if err := checkForCycles(js, rec.JobStoreID, followOnIDs); err != nil {
		return err
	}

	rec.JobsToDelete = make(map[string]struct{}, len(childIDs)+len(followOnIDs)+len(joinTargets))
	for _, id := range childIDs {
		rec.JobsToDelete[id] = struct{}{}
	}
	for _, id := range followOnIDs {
		rec.JobsToDelete[id] = struct{}{}
	}
	for _, t := range joinTargets {
		rec.JobsToDelete[t.JobStoreID] = struct{}{}
	}
	if err := js.Update(rec); err != nil {
		return fmt.Errorf("mark tentative children for %s: %w", rec.JobStoreID, err)
	}

	for _, r := range childRecords {
		if err := js.CreateChild(r); err != nil {
			return fmt.Errorf("create child %s: %w", r.JobStoreID, err)
		}
	}
	for _, r := range followOnRecords {
		if err := js.CreateChild(r); err != nil {
			return fmt.Errorf("create follow-on %s: %w", r.JobStoreID, err)
		}
	}
	for _, t := range joinTargets {
		if err := js.CreateChild(t); err != nil {
			return fmt.Errorf("create join target %s: %w", t.JobStoreID, err)
		}
	}

	// Follow-ons are pushed first so children end up on top of the
	// stack and run first (spec.md §3, "Phase ordering"). Join members
	// ride along with the ordinary children: each already carries its
	// own phase pointing at its join target, pushed in newJoinRecords.
	if len(followOnIDs) > 0 {
		rec.PushPhase(domain.Phase{Kind: domain.PhaseFollowOns, Successors: descriptorsFor(followOnIDs, followOnRecords)})
	}
	if len(childIDs) > 0 {
		rec.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: descriptorsFor(childIDs, childRecords)})
	}

	rec.Command = ""
	rec.JobsToDelete = make(map[string]struct{})
	if err := js.Update(rec); err != nil {
		return fmt.Errorf("reveal expansion for %s: %w", rec.JobStoreID, err)
	}

	log.Debug("committed expansion", "children", len(childIDs), "followOns", len(followOnIDs), "joins", len(joins))
	return nil
}

func descriptorsFor(ids []string, records []*domain.JobRecord) []domain.SuccessorDescriptor {
	descs := make([]domain.SuccessorDescriptor, len(ids))
	for i, id := range ids {
		descs[i] = domain.SuccessorDescriptor{
			SuccessorJobStoreID: id,
			Memory:              records[i].Memory,
			CPU:                 records[i].CPU,
			Disk:                records[i].Disk,
		}
	}
	return descs
}

// newChildRecord encodes uj into a freshly allocated file and builds
// the (not-yet-persisted) record that will own it, ready for the
// caller to add to the tentative set (spec.md §4.2 step 4).
// predecessorNumber is 1 for an ordinary child or follow-on, or a join
// target's member count (spec.md §3, join semantics).
func newChildRecord(js store.JobStore, uj domain.UserJob, workerCommand func(jobID string) string, predecessorNumber int) (*domain.JobRecord, error) {
	enc, err := domain.EncodeJob(uj)
	if err != nil {
		return nil, err
	}

	rec := domain.NewJobRecord("", uj.Memory(), uj.CPU(), uj.Disk(), predecessorNumber, js.DefaultTryCount())
	rec.Command = workerCommand(rec.JobStoreID)

	fileID, err := writeGobAsNewFile(js, rec.JobStoreID, enc)
	if err != nil {
		return nil, fmt.Errorf("encode child job state: %w", err)
	}
	rec.UserJobFileID = fileID

	return rec, nil
}

// newJoinRecords builds one join's member and target records (spec.md
// §3, join semantics; spec.md §8 Scenario 2): the target's
// predecessorNumber is the member count, and each member gets its own
// jobStoreID pushed as the target's PredecessorID on a one-entry phase
// on the member's own stack — the member's ID is already guaranteed
// unique, so it doubles as a ready-made join token.
func newJoinRecords(js store.JobStore, j domain.Join, workerCommand func(jobID string) string) (members []*domain.JobRecord, target *domain.JobRecord, err error) {
	target, err = newChildRecord(js, j.Target, workerCommand, len(j.Members))
	if err != nil {
		return nil, nil, fmt.Errorf("prepare join target: %w", err)
	}

	members = make([]*domain.JobRecord, len(j.Members))
	for i, uj := range j.Members {
		m, mErr := newChildRecord(js, uj, workerCommand, 1)
		if mErr != nil {
			return nil, nil, fmt.Errorf("prepare join member %d: %w", i, mErr)
		}
		m.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: []domain.SuccessorDescriptor{{
			SuccessorJobStoreID: target.JobStoreID,
			Memory:              target.Memory,
			CPU:                 target.CPU,
			Disk:                target.Disk,
			PredecessorID:       m.JobStoreID,
		}}})
		members[i] = m
	}
	return members, target, nil
}

// checkForCycles runs the augmented-graph cycle check from spec.md
// §4.2 step 1: declared edges come from every persisted record's
// stack phases (children and follow-ons both count as successor
// edges); implied edges run from every descendant of a follow-on-
// owning node's children to that follow-on's target. originID's new
// follow-ons are checked as if already wired, since those are the
// edges a crash-recovered graph would also carry.
func checkForCycles(js store.JobStore, originID string, newFollowOnIDs []string) error {
	graph := buildAugmentedGraph(js)
	for _, fo := range newFollowOnIDs {
		graph[originID] = append(graph[originID], fo)
	}

	visited := make(map[string]int) // 0=unvisited 1=on-stack 2=done
	var path []string

	var dfs func(id string) error
	dfs = func(id string) error {
		if visited[id] == 2 {
			return nil
		}
		if visited[id] == 1 {
			return toilerrors.Cycle(originID, append(append([]string{}, path...), id))
		}
		visited[id] = 1
		path = append(path, id)
		for _, next := range graph[id] {
			if err := dfs(next); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		visited[id] = 2
		return nil
	}

	return dfs(originID)
}

// buildAugmentedGraph scans every persisted record and returns the
// declared-plus-implied successor edge map spec.md §4.2 step 1
// describes.
func buildAugmentedGraph(js store.JobStore) map[string][]string {
	graph := make(map[string][]string)
	followOnOwners := make(map[string][]string) // jobID -> follow-on target IDs
	childrenOf := make(map[string][]string)      // jobID -> child IDs (for implied-edge walk)

	js.Jobs(func(rec *domain.JobRecord, err error) bool {
		if err != nil || rec == nil {
			return true
		}
		for _, phase := range rec.Stack {
			for _, succ := range phase.Successors {
				graph[rec.JobStoreID] = append(graph[rec.JobStoreID], succ.SuccessorJobStoreID)
				if phase.Kind == domain.PhaseFollowOns {
					followOnOwners[rec.JobStoreID] = append(followOnOwners[rec.JobStoreID], succ.SuccessorJobStoreID)
				} else {
					childrenOf[rec.JobStoreID] = append(childrenOf[rec.JobStoreID], succ.SuccessorJobStoreID)
				}
			}
		}
		return true
	})

	for owner, targets := range followOnOwners {
		for _, childID := range childrenOf[owner] {
			for _, descendant := range descendantsOf(graph, childID) {
				for _, target := range targets {
					graph[descendant] = append(graph[descendant], target)
				}
			}
		}
	}

	return graph
}

func descendantsOf(graph map[string][]string, root string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, next := range graph[id] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				walk(next)
			}
		}
	}
	walk(root)
	out = append(out, root)
	return out
}
