package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTool(t *testing.T) {
	for _, name := range []string{"profile-build", "similarity-search", "emit"} {
		tool, err := ParseTool(name)
		require.NoError(t, err)
		assert.Equal(t, Tool(name), tool)
	}

	_, err := ParseTool("hmmscan")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusQueued, StatusRunning},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusTimedOut},
		{StatusRunning, StatusQueued}, // launch-fault retry
		{StatusSucceeded, StatusPurged},
		{StatusFailed, StatusPurged},
		{StatusTimedOut, StatusPurged},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]Status{
		{StatusQueued, StatusSucceeded},
		{StatusQueued, StatusPurged},
		{StatusSucceeded, StatusRunning},
		{StatusSucceeded, StatusFailed},
		{StatusPurged, StatusQueued},
		{StatusPurged, StatusRunning},
		{StatusFailed, StatusQueued},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTransitionFroms(t *testing.T) {
	froms := TransitionFroms(StatusPurged)
	assert.ElementsMatch(t, []Status{StatusSucceeded, StatusFailed, StatusTimedOut}, froms)

	assert.Equal(t, []Status{StatusQueued}, TransitionFroms(StatusRunning))
}

func TestClassifyTransitionFailure(t *testing.T) {
	// Duplicate dispatch: second claim of a running job is a conflict.
	err := ClassifyTransitionFailure(StatusRunning, StatusRunning)
	assert.True(t, errors.Is(err, ErrConflict))

	// Concurrent terminal writers.
	err = ClassifyTransitionFailure(StatusSucceeded, StatusFailed)
	assert.True(t, errors.Is(err, ErrConflict))

	// Skipping forward from queued was never legal.
	err = ClassifyTransitionFailure(StatusQueued, StatusSucceeded)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	// Purging a job that never ran.
	err = ClassifyTransitionFailure(StatusQueued, StatusPurged)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}
