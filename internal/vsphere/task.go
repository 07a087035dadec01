package vsphere

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// TaskStatus is one observation of a management-plane task.
type TaskStatus struct {
	State    types.TaskInfoState
	Progress int32
	// Result holds the entity produced by the task, when the task yields one
	// (a clone task yields the new VM).
	Result *types.ManagedObjectReference
	// Fault carries the failure detail verbatim for a translator to classify.
	Fault *types.LocalizedMethodFault
}

// Terminal reports whether no further state transition can occur.
func (s TaskStatus) Terminal() bool {
	return s.State == types.TaskInfoStateSuccess || s.State == types.TaskInfoStateError
}

// TaskHandle lets a tracker observe an asynchronous task without owning the
// connection it was submitted on.
type TaskHandle interface {
	ID() string
	Status(ctx context.Context) (TaskStatus, error)
}

type vcTask struct {
	client *vim25.Client
	ref    types.ManagedObjectReference
}

// NewTaskHandle wraps a submitted task reference.
func NewTaskHandle(client *vim25.Client, ref types.ManagedObjectReference) TaskHandle {
	return &vcTask{client: client, ref: ref}
}

func (t *vcTask) ID() string {
	return t.ref.Value
}

func (t *vcTask) Status(ctx context.Context) (TaskStatus, error) {
	var task mo.Task
	pc := property.DefaultCollector(t.client)
	if err := pc.RetrieveOne(ctx, t.ref, []string{"info"}, &task); err != nil {
		return TaskStatus{}, fmt.Errorf("reading task %s: %w", t.ref.Value, err)
	}

	status := TaskStatus{
		State:    task.Info.State,
		Progress: task.Info.Progress,
		Fault:    task.Info.Error,
	}
	if ref, ok := task.Info.Result.(types.ManagedObjectReference); ok {
		status.Result = &ref
	}
	return status, nil
}
