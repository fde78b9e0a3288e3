package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehsaniara/toil/internal/toil/batch/local"
)

func TestIssueAwaitCompletion_TranslatesBackToJobStoreID(t *testing.T) {
	b := New(local.New(nil), nil)

	require.NoError(t, b.Issue("job-1", "true", 0, 0, 0))
	assert.Equal(t, 1, b.Outstanding())

	jobStoreID, exitCode, ok, err := b.AwaitCompletion(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", jobStoreID)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, 0, b.Outstanding())
}

func TestKill_TranslatesJobStoreIDsAndBlocksUntilTerminal(t *testing.T) {
	b := New(local.New(nil), nil)
	require.NoError(t, b.Issue("job-1", "sleep 30", 0, 0, 0))

	require.NoError(t, b.Kill([]string{"job-1"}))

	jobStoreID, exitCode, ok, err := b.AwaitCompletion(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", jobStoreID)
	assert.NotEqual(t, 0, exitCode)
}

func TestDrop_RemovesBookkeepingWithoutTouchingBatchSystem(t *testing.T) {
	b := New(local.New(nil), nil)
	require.NoError(t, b.Issue("job-1", "sleep 30", 0, 0, 0))

	b.Drop("job-1")
	assert.Equal(t, 0, b.Outstanding())
}

func TestKnownToBatchSystem_ReflectsIssuedJobs(t *testing.T) {
	b := New(local.New(nil), nil)
	require.NoError(t, b.Issue("job-1", "sleep 30", 0, 0, 0))

	known, err := b.KnownToBatchSystem()
	require.NoError(t, err)
	assert.Contains(t, known, "job-1")

	require.NoError(t, b.Kill([]string{"job-1"}))
}

func TestRunningDurations_TracksOutstandingJob(t *testing.T) {
	b := New(local.New(nil), nil)
	require.NoError(t, b.Issue("job-1", "sleep 30", 0, 0, 0))

	durations, err := b.RunningDurations()
	require.NoError(t, err)
	assert.Contains(t, durations, "job-1")

	require.NoError(t, b.Kill([]string{"job-1"}))
}
