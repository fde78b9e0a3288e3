package leader

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehsaniara/toil/internal/toil/batch/local"
	"github.com/ehsaniara/toil/internal/toil/batcher"
	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/state"
	"github.com/ehsaniara/toil/internal/toil/store/filestore"
	"github.com/ehsaniara/toil/pkg/config"
)

// newHarness returns a store whose "deletion job" is simulated by a
// shell command removing the record file directly. A real worker
// binary (internal/toil/worker, driven by cmd/toil-worker) performs
// this through the store's Delete operation instead; these tests
// exercise only the leader's dispatch/rescue logic against a batch
// system that really runs shell commands, so the stand-in has to
// reach into the filestore's on-disk layout.
func newHarness(t *testing.T) (*filestore.FileStore, *batcher.JobBatcher, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := filestore.Open(dir, 1, nil)
	require.NoError(t, err)
	return fs, batcher.New(local.New(nil), nil), dir
}

func deletionInvocationFor(baseDir string) func(jobID string) string {
	return func(jobID string) string {
		return fmt.Sprintf("rm -f %s", filepath.Join(baseDir, "jobs", jobID+".json"))
	}
}

func TestRun_TerminalRootWithNoCommandDeletesAndExitsClean(t *testing.T) {
	fs, jb, dir := newHarness(t)
	root, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)

	st, err := state.Reconstruct(fs, root.JobStoreID, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	l := New(fs, st, jb, cfg, deletionInvocationFor(dir), nil)

	failed, err := l.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.False(t, fs.Exists(root.JobStoreID))
}

func TestRun_LinearChainDrainsAllThreeViaDeletionJobs(t *testing.T) {
	fs, jb, dir := newHarness(t)

	c, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	b, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	b.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: []domain.SuccessorDescriptor{{SuccessorJobStoreID: c.JobStoreID}}})
	require.NoError(t, fs.Update(b))
	a, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	a.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: []domain.SuccessorDescriptor{{SuccessorJobStoreID: b.JobStoreID}}})
	require.NoError(t, fs.Update(a))

	st, err := state.Reconstruct(fs, a.JobStoreID, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	l := New(fs, st, jb, cfg, deletionInvocationFor(dir), nil)

	failed, err := l.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.False(t, fs.Exists(a.JobStoreID))
	assert.False(t, fs.Exists(b.JobStoreID))
	assert.False(t, fs.Exists(c.JobStoreID))
}

func TestRun_FanInIssuesJoinExactlyOnceAfterBothPredecessors(t *testing.T) {
	fs, jb, dir := newHarness(t)

	join, err := fs.Create("", 0, 0, 0, "", 2)
	require.NoError(t, err)
	left, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	left.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: []domain.SuccessorDescriptor{
		{SuccessorJobStoreID: join.JobStoreID, PredecessorID: "left"},
	}})
	require.NoError(t, fs.Update(left))
	right, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	right.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: []domain.SuccessorDescriptor{
		{SuccessorJobStoreID: join.JobStoreID, PredecessorID: "right"},
	}})
	require.NoError(t, fs.Update(right))
	root, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	root.PushPhase(domain.Phase{Kind: domain.PhaseChildren, Successors: []domain.SuccessorDescriptor{
		{SuccessorJobStoreID: left.JobStoreID},
		{SuccessorJobStoreID: right.JobStoreID},
	}})
	require.NoError(t, fs.Update(root))

	st, err := state.Reconstruct(fs, root.JobStoreID, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	l := New(fs, st, jb, cfg, deletionInvocationFor(dir), nil)

	failed, err := l.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.False(t, fs.Exists(join.JobStoreID))
}

func TestRun_RetryToSuccessDeletesRecordOnThirdAttempt(t *testing.T) {
	fs, jb, dir := newHarness(t)

	root, err := fs.Create("", 0, 0, 0, "", 0)
	require.NoError(t, err)
	recordPath := filepath.Join(dir, "jobs", root.JobStoreID+".json")

	// Fail twice, then delete the record directly on the third
	// attempt — standing in for "the third attempt's worker runs user
	// code successfully, commits an empty graph, and is cleaned up".
	root.RemainingRetryCount = 3
	root.Command = fmt.Sprintf(
		`n=$(cat %[1]s.attempts 2>/dev/null || echo 0); n=$((n+1)); echo "$n" > %[1]s.attempts; if [ "$n" -lt 3 ]; then exit 1; fi; rm -f %[1]s`,
		recordPath,
	)
	require.NoError(t, fs.Update(root))

	st, err := state.Reconstruct(fs, root.JobStoreID, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	l := New(fs, st, jb, cfg, deletionInvocationFor(dir), nil)

	failed, err := l.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.False(t, fs.Exists(root.JobStoreID))
}

func TestRun_TerminalFailureExhaustsRetriesAndCountsFailure(t *testing.T) {
	fs, jb, dir := newHarness(t)

	root, err := fs.Create("exit 1", 0, 0, 0, "", 0)
	require.NoError(t, err)
	root.RemainingRetryCount = 2
	require.NoError(t, fs.Update(root))

	st, err := state.Reconstruct(fs, root.JobStoreID, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.RescueJobsFrequency = time.Hour // keep rescue out of the way
	l := New(fs, st, jb, cfg, deletionInvocationFor(dir), nil)

	failed, err := l.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	// The record is never deleted on terminal failure — it stays for
	// postmortem inspection with remainingRetryCount at zero.
	require.True(t, fs.Exists(root.JobStoreID))
	reloaded, err := fs.Load(root.JobStoreID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.RemainingRetryCount)
}
