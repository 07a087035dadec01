package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/virtops/vsphere-actions/internal/vsphere"
)

// fakeTask replays a scripted sequence of observations; the last entry
// repeats forever.
type fakeTask struct {
	id     string
	script []func() (vsphere.TaskStatus, error)
	calls  int
}

func (f *fakeTask) ID() string { return f.id }

func (f *fakeTask) Status(context.Context) (vsphere.TaskStatus, error) {
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i]()
}

func statusOf(state types.TaskInfoState) func() (vsphere.TaskStatus, error) {
	return func() (vsphere.TaskStatus, error) {
		return vsphere.TaskStatus{State: state}, nil
	}
}

func pollError(err error) func() (vsphere.TaskStatus, error) {
	return func() (vsphere.TaskStatus, error) {
		return vsphere.TaskStatus{}, err
	}
}

func testTracker() *Tracker {
	return NewTracker(time.Second, time.Millisecond)
}

func TestTrackSuccess(t *testing.T) {
	result := types.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-42"}
	handle := &fakeTask{
		id: "task-1",
		script: []func() (vsphere.TaskStatus, error){
			statusOf(types.TaskInfoStateQueued),
			statusOf(types.TaskInfoStateRunning),
			func() (vsphere.TaskStatus, error) {
				return vsphere.TaskStatus{State: types.TaskInfoStateSuccess, Result: &result}, nil
			},
		},
	}

	task := testTracker().Track(context.Background(), handle)
	assert.Equal(t, TaskStateSucceeded, task.State)
	require.NotNil(t, task.Result)
	assert.Equal(t, "vm-42", task.Result.Value)
	assert.Equal(t, "task-1", task.ID)
}

func TestTrackFailureCarriesFault(t *testing.T) {
	fault := &types.LocalizedMethodFault{
		Fault:            &types.DuplicateName{Name: "web-server-01"},
		LocalizedMessage: "already exists",
	}
	handle := &fakeTask{
		id: "task-2",
		script: []func() (vsphere.TaskStatus, error){
			statusOf(types.TaskInfoStateRunning),
			func() (vsphere.TaskStatus, error) {
				return vsphere.TaskStatus{State: types.TaskInfoStateError, Fault: fault}, nil
			},
		},
	}

	task := testTracker().Track(context.Background(), handle)
	assert.Equal(t, TaskStateFailed, task.State)
	assert.Same(t, fault, task.Fault)
	assert.Equal(t, "already exists", task.FailureMessage)
}

func TestTrackBudgetExpiryIsTimedOutNotFailed(t *testing.T) {
	handle := &fakeTask{
		id:     "task-3",
		script: []func() (vsphere.TaskStatus, error){statusOf(types.TaskInfoStateRunning)},
	}

	tracker := NewTracker(20*time.Millisecond, 5*time.Millisecond)
	task := tracker.Track(context.Background(), handle)
	assert.Equal(t, TaskStateTimedOut, task.State)
	assert.Nil(t, task.Fault)
	assert.Empty(t, task.FailureMessage)
	assert.Greater(t, handle.calls, 1, "the task must have been polled more than once before giving up")
}

func TestTrackContextCancellationIsTimedOut(t *testing.T) {
	handle := &fakeTask{
		id:     "task-4",
		script: []func() (vsphere.TaskStatus, error){statusOf(types.TaskInfoStateRunning)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tracker := NewTracker(time.Minute, 10*time.Millisecond)
	task := tracker.Track(ctx, handle)
	assert.Equal(t, TaskStateTimedOut, task.State)
}

func TestTrackToleratesTransientPollErrors(t *testing.T) {
	handle := &fakeTask{
		id: "task-5",
		script: []func() (vsphere.TaskStatus, error){
			pollError(errors.New("transient")),
			pollError(errors.New("transient")),
			statusOf(types.TaskInfoStateSuccess),
		},
	}

	task := testTracker().Track(context.Background(), handle)
	assert.Equal(t, TaskStateSucceeded, task.State)
}

func TestTrackGivesUpAfterConsecutivePollErrors(t *testing.T) {
	handle := &fakeTask{
		id: "task-6",
		script: []func() (vsphere.TaskStatus, error){
			pollError(errors.New("vcenter unreachable")),
		},
	}

	task := testTracker().Track(context.Background(), handle)
	assert.Equal(t, TaskStateFailed, task.State)
	assert.Contains(t, task.FailureMessage, "vcenter unreachable")
	assert.Equal(t, maxConsecutivePollErrors, handle.calls)
}

func TestTaskStateTerminal(t *testing.T) {
	assert.False(t, TaskStateSubmitted.Terminal())
	assert.False(t, TaskStateRunning.Terminal())
	assert.True(t, TaskStateSucceeded.Terminal())
	assert.True(t, TaskStateFailed.Terminal())
	assert.True(t, TaskStateTimedOut.Terminal())
}
