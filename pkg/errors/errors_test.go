package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewError tests the basic creation of errors.
func TestNewError(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
	}{
		{
			name:    "WorkerExecutionFailed",
			code:    WorkerExecutionFailed,
			message: "worker execution failed",
		},
		{
			name:    "RunStalled",
			code:    RunStalled,
			message: "no runnable worker",
		},
		{
			name:    "StorageFailed",
			code:    StorageFailed,
			message: "storage failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)

			customErr, ok := err.(*Error)

			assert.True(t, ok, "should be a custom *Error")
			assert.Equal(t, tt.code, customErr.Code())
			assert.Equal(t, tt.message, customErr.Error())
			assert.Nil(t, customErr.Unwrap())
		})
	}
}

// TestWrapError tests error wrapping functionality.
func TestWrapError(t *testing.T) {
	originalErr := stderrors.New("disk full")

	err := Wrap(originalErr, StorageFailed, "failed to persist worker stats")
	require.NotNil(t, err)

	customErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, StorageFailed, customErr.Code())
	assert.Equal(t, originalErr, customErr.Unwrap())
	assert.Contains(t, err.Error(), "disk full")

	assert.Nil(t, Wrap(nil, StorageFailed, "ignored"))
}

// TestWithFields tests attaching structured context.
func TestWithFields(t *testing.T) {
	err := New(BudgetExceeded, "step budget exhausted")
	err = WithFields(err, Fields{"steps": 20, "run_id": "abc"})

	customErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, BudgetExceeded, customErr.Code())

	fields := customErr.Fields()
	assert.Equal(t, 20, fields["steps"])
	assert.Equal(t, "abc", fields["run_id"])

	// Fields on a foreign error produce an Unknown-coded wrapper.
	foreign := WithFields(stderrors.New("boom"), Fields{"k": "v"})
	fe, ok := foreign.(*Error)
	require.True(t, ok)
	assert.Equal(t, Unknown, fe.Code())
}

// TestErrorIs ensures code-based matching works through errors.Is.
func TestErrorIs(t *testing.T) {
	err := Wrap(New(Timeout, "step timed out"), WorkerExecutionFailed, "worker failed")
	assert.True(t, stderrors.Is(err, New(WorkerExecutionFailed, "")))
	assert.False(t, stderrors.Is(err, New(RunStalled, "")))
}

func TestCheckContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, CheckContext(ctx, "select worker"))

	cancel()
	err := CheckContext(ctx, "select worker")
	require.Error(t, err)
	assert.Equal(t, Canceled, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, InvalidInput, CodeOf(New(InvalidInput, "bad request")))
	assert.Equal(t, Unknown, CodeOf(stderrors.New("plain")))
}
