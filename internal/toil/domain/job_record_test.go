package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobRecord_AssignsUniqueIDs(t *testing.T) {
	a := NewJobRecord("echo hi", 0, 0, 0, 0, 1)
	b := NewJobRecord("echo hi", 0, 0, 0, 0, 1)

	assert.NotEmpty(t, a.JobStoreID)
	assert.NotEmpty(t, a.UpdateID)
	assert.NotEqual(t, a.JobStoreID, b.JobStoreID)
	assert.NotEqual(t, a.UpdateID, b.UpdateID)
}

func TestIsTerminal_EmptyStackNoCommand(t *testing.T) {
	r := NewJobRecord("", 0, 0, 0, 0, 1)
	assert.True(t, r.IsTerminal())

	r.Command = "run-me"
	assert.False(t, r.IsTerminal())

	r.Command = ""
	r.PushPhase(Phase{Kind: PhaseChildren, Successors: []SuccessorDescriptor{{SuccessorJobStoreID: "x"}}})
	assert.False(t, r.IsTerminal())
}

func TestIsTorn_NonEmptyJobsToDelete(t *testing.T) {
	r := NewJobRecord("", 0, 0, 0, 0, 1)
	assert.False(t, r.IsTorn())

	r.JobsToDelete["child-1"] = struct{}{}
	assert.True(t, r.IsTorn())
}

func TestStack_TopIsLastPushed(t *testing.T) {
	r := NewJobRecord("", 0, 0, 0, 0, 1)
	r.PushPhase(Phase{Kind: PhaseFollowOns, Successors: []SuccessorDescriptor{{SuccessorJobStoreID: "fo"}}})
	r.PushPhase(Phase{Kind: PhaseChildren, Successors: []SuccessorDescriptor{{SuccessorJobStoreID: "child"}}})

	top := r.TopPhase()
	require.NotNil(t, top)
	assert.Equal(t, PhaseChildren, top.Kind)

	r.PopTopPhase()
	top = r.TopPhase()
	require.NotNil(t, top)
	assert.Equal(t, PhaseFollowOns, top.Kind)

	r.PopTopPhase()
	assert.Nil(t, r.TopPhase())
}

func TestMarkPredecessorFinished_JoinFiresOnlyWhenComplete(t *testing.T) {
	r := NewJobRecord("", 0, 0, 0, 2, 1)

	assert.False(t, r.MarkPredecessorFinished("L"))
	assert.False(t, r.MarkPredecessorFinished("L")) // duplicate has no effect
	assert.True(t, r.MarkPredecessorFinished("R"))
}

func TestValidate_RejectsOverfullPredecessorSet(t *testing.T) {
	r := NewJobRecord("", 0, 0, 0, 1, 1)
	r.PredecessorsFinished["a"] = struct{}{}
	r.PredecessorsFinished["b"] = struct{}{}

	require.Error(t, r.Validate())
}

func TestValidate_RejectsNegativeRetryCount(t *testing.T) {
	r := NewJobRecord("", 0, 0, 0, 0, 1)
	r.RemainingRetryCount = -1
	require.Error(t, r.Validate())
}

func TestNewJobRecord_UsesConfiguredTryCount(t *testing.T) {
	r := NewJobRecord("echo hi", 0, 0, 0, 0, 3)
	assert.Equal(t, 3, r.RemainingRetryCount)
}

func TestSetupJobAfterFailure_DecrementsRetryAndStashesLog(t *testing.T) {
	r := NewJobRecord("fail-cmd", 0, 0, 0, 0, 1)
	r.RemainingRetryCount = 3

	r.SetupJobAfterFailure("log-file-1")
	assert.Equal(t, 2, r.RemainingRetryCount)
	assert.Equal(t, "log-file-1", r.LogJobStoreFileID)

	r.RemainingRetryCount = 0
	r.SetupJobAfterFailure("log-file-2")
	assert.Equal(t, 0, r.RemainingRetryCount) // never goes negative
}
