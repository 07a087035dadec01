package provision

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/vmware/govmomi/vim25/types"
	"go.uber.org/zap"

	"github.com/virtops/vsphere-actions/internal/vsphere"
	"github.com/virtops/vsphere-actions/pkg/metrics"
)

// TaskState is the tracker-side view of a management-plane task.
type TaskState string

const (
	TaskStateSubmitted TaskState = "SUBMITTED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateTimedOut  TaskState = "TIMED_OUT"
)

// Terminal reports whether the state admits no further transition.
func (s TaskState) Terminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed || s == TaskStateTimedOut
}

// Task is the tracked state of one submitted operation. It lives only for the
// duration of a Track call; the orchestrator consumes its terminal state and
// lets it go.
type Task struct {
	ID           string
	State        TaskState
	SubmittedAt  time.Time
	LastPolledAt time.Time
	// Result references the produced entity on SUCCEEDED.
	Result *types.ManagedObjectReference
	// Fault carries the failure detail verbatim on FAILED, for translation.
	Fault          *types.LocalizedMethodFault
	FailureMessage string
}

const (
	defaultTaskBudget   = 40 * time.Minute
	defaultPollInterval = 5 * time.Second

	// Transient poll errors tolerated before a task is declared failed.
	maxConsecutivePollErrors = 3
)

// Tracker polls submitted tasks to a terminal state within a wall-clock
// budget. Template clones with guest customization routinely take tens of
// minutes, hence the generous default.
type Tracker struct {
	budget   time.Duration
	interval time.Duration
}

func NewTracker(budget, interval time.Duration) *Tracker {
	if budget <= 0 {
		budget = defaultTaskBudget
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Tracker{budget: budget, interval: interval}
}

// Track polls the task until it reaches a terminal state or the budget
// elapses. On timeout the remote task is NOT cancelled: it may still complete
// out of band, and cancelling after submission could leave the environment
// half-applied. The returned task is always terminal.
func (t *Tracker) Track(ctx context.Context, handle vsphere.TaskHandle) *Task {
	logger := zap.S().Named("tracker")
	task := &Task{
		ID:          handle.ID(),
		State:       TaskStateSubmitted,
		SubmittedAt: time.Now(),
	}
	deadline := task.SubmittedAt.Add(t.budget)

	ticker := jitterbug.New(t.interval, &jitterbug.Norm{Stdev: t.interval / 10})
	defer ticker.Stop()

	pollErrors := 0
	for {
		status, err := handle.Status(ctx)
		task.LastPolledAt = time.Now()

		switch {
		case err != nil:
			pollErrors++
			logger.Warnw("task poll failed", "task_id", task.ID, "attempt", pollErrors, "error", err)
			if pollErrors >= maxConsecutivePollErrors {
				task.State = TaskStateFailed
				task.FailureMessage = err.Error()
				return t.finish(task)
			}
		default:
			pollErrors = 0
			t.observe(task, status)
			if task.State.Terminal() {
				return t.finish(task)
			}
		}

		if !task.LastPolledAt.Before(deadline) {
			task.State = TaskStateTimedOut
			return t.finish(task)
		}

		select {
		case <-ctx.Done():
			// The caller gave up; stop polling but leave the remote task
			// alone.
			task.State = TaskStateTimedOut
			return t.finish(task)
		case <-ticker.C:
		}
	}
}

func (t *Tracker) observe(task *Task, status vsphere.TaskStatus) {
	switch status.State {
	case types.TaskInfoStateQueued:
		// Still SUBMITTED.
	case types.TaskInfoStateRunning:
		if task.State == TaskStateSubmitted {
			zap.S().Named("tracker").Debugw("task started running", "task_id", task.ID)
		}
		task.State = TaskStateRunning
	case types.TaskInfoStateSuccess:
		task.State = TaskStateSucceeded
		task.Result = status.Result
	case types.TaskInfoStateError:
		task.State = TaskStateFailed
		task.Fault = status.Fault
		if status.Fault != nil {
			task.FailureMessage = status.Fault.LocalizedMessage
		}
	}
}

func (t *Tracker) finish(task *Task) *Task {
	elapsed := time.Since(task.SubmittedAt)
	metrics.ObserveTaskTrackingMetric(string(task.State), elapsed)
	zap.S().Named("tracker").Infow("task reached terminal state",
		"task_id", task.ID, "state", task.State, "elapsed", elapsed)
	return task
}
