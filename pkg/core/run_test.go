package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRun(t *testing.T) {
	run := NewRun("Create a simple task API", "taskapi", "/tmp/out")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "Create a simple task API", run.Request)
	assert.Equal(t, "taskapi", run.Project)
	assert.Equal(t, StatusRunning, run.Status)
	assert.False(t, run.Status.Terminal())
	assert.Nil(t, run.FinalScore)
}

func TestRunAppendSequenceInvariant(t *testing.T) {
	run := NewRun("req", "proj", "")

	require.NoError(t, run.Append(ExecutionRecord{Worker: "context-memory", Seq: 0, Success: true}))
	require.NoError(t, run.Append(ExecutionRecord{Worker: "technology-selection", Seq: 1, Success: true}))

	// Gap in the sequence is rejected.
	err := run.Append(ExecutionRecord{Worker: "architecture", Seq: 3})
	require.Error(t, err)

	// Duplicate index is rejected.
	err = run.Append(ExecutionRecord{Worker: "architecture", Seq: 1})
	require.Error(t, err)

	// Sequence stays contiguous.
	for i, rec := range run.Records {
		assert.Equal(t, i, rec.Seq)
	}
}

func TestRunFinishOnce(t *testing.T) {
	run := NewRun("req", "proj", "")

	require.NoError(t, run.Finish(StatusCompleted))
	assert.True(t, run.Status.Terminal())
	assert.False(t, run.EndedAt.IsZero())
	assert.Positive(t, run.Duration()+time.Nanosecond)

	// Terminal runs are immutable.
	assert.Error(t, run.Finish(StatusFailed))
	assert.Error(t, run.Append(ExecutionRecord{Worker: "evaluation", Seq: 0}))
}

func TestRunFinishRequiresTerminalStatus(t *testing.T) {
	run := NewRun("req", "proj", "")
	assert.Error(t, run.Finish(StatusRunning))
}

func TestSucceededWorkers(t *testing.T) {
	run := NewRun("req", "proj", "")
	require.NoError(t, run.Append(ExecutionRecord{Worker: "context-memory", Seq: 0, Success: true}))
	require.NoError(t, run.Append(ExecutionRecord{Worker: "technology-selection", Seq: 1, Success: false}))
	require.NoError(t, run.Append(ExecutionRecord{Worker: "technology-selection", Seq: 2, Success: true}))
	require.NoError(t, run.Append(ExecutionRecord{Worker: "context-memory", Seq: 3, Success: true}))

	assert.Equal(t, []string{"context-memory", "technology-selection"}, run.SucceededWorkers())
}
