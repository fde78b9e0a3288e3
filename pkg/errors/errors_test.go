package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoSuchJob_Classification(t *testing.T) {
	err := NoSuchJob("job-1")
	assert.True(t, IsNoSuchJob(err))
	assert.False(t, IsConcurrentModification(err))
}

func TestWrap_PreservesUnwrapChain(t *testing.T) {
	cause := context.DeadlineExceeded
	wrapped := Wrap(KindInvalid, "rescue poll", cause)

	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInvalid, "no cause", nil))
}

func TestError_MessageIncludesKindAndCause(t *testing.T) {
	err := Wrap(KindConcurrentModification, "updateFile", fmt.Errorf("writer already open"))
	assert.Contains(t, err.Error(), string(KindConcurrentModification))
	assert.Contains(t, err.Error(), "writer already open")
}

func TestCycle_FormatsPath(t *testing.T) {
	err := Cycle("A", []string{"A", "C", "F", "A"})
	assert.True(t, Is(err, KindCycle))
	assert.Contains(t, err.Error(), "A")
}
