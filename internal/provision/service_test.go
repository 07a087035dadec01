package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/types"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
	"github.com/virtops/vsphere-actions/internal/vsphere"
)

type fakeProvider struct {
	mu     sync.Mutex
	err    error
	block  chan struct{}
	calls  int
	client *vim25.Client
}

func (p *fakeProvider) Client(ctx context.Context) (*vim25.Client, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}

func newTestService(provider *fakeProvider) *Service {
	return NewService(provider, NewTracker(time.Second, time.Millisecond))
}

func TestCreateFromTemplateValidationShortCircuits(t *testing.T) {
	provider := &fakeProvider{err: errors.New("must not be reached")}
	svc := newTestService(provider)

	result := svc.CreateFromTemplate(context.Background(), api.CreateVMRequest{})
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
	assert.Equal(t, api.ErrorTypeMissingParameter, result.Err.Type)
	assert.Equal(t, "vm_name", result.Err.Parameter)
	assert.Equal(t, 0, provider.calls, "invalid requests never touch vcenter")
}

func TestCreateFromTemplateConnectionFailure(t *testing.T) {
	svc := newTestService(&fakeProvider{err: errors.New("dial tcp: connection refused")})

	result := svc.CreateFromTemplate(context.Background(), validCreateRequest())
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
	assert.Equal(t, api.ErrorTypeConnectionError, result.Err.Type)
}

func TestCreateFromTemplateRejectsConcurrentSameName(t *testing.T) {
	block := make(chan struct{})
	provider := &fakeProvider{err: errors.New("connection refused"), block: block}
	svc := newTestService(provider)

	started := make(chan struct{})
	done := make(chan api.Result, 1)
	go func() {
		close(started)
		done <- svc.CreateFromTemplate(context.Background(), validCreateRequest())
	}()
	<-started

	// Wait until the first request holds the in-flight slot.
	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.calls == 1
	}, time.Second, time.Millisecond)

	second := svc.CreateFromTemplate(context.Background(), validCreateRequest())
	assert.False(t, second.Success)
	require.NotNil(t, second.Err)
	assert.Equal(t, api.ErrorTypeInvalidParameter, second.Err.Type)
	assert.Equal(t, "vm_name", second.Err.Parameter)

	close(block)
	first := <-done
	assert.False(t, first.Success)

	// The slot is released once the first request finishes.
	third := svc.CreateFromTemplate(context.Background(), validCreateRequest())
	require.NotNil(t, third.Err)
	assert.Equal(t, api.ErrorTypeConnectionError, third.Err.Type)
}

func TestReconfigureValidationShortCircuits(t *testing.T) {
	provider := &fakeProvider{err: errors.New("must not be reached")}
	svc := newTestService(provider)

	result := svc.Reconfigure(context.Background(), api.ReconfigureRequest{VMName: "web-server-01"})
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
	assert.Equal(t, api.ErrorTypeMissingParameter, result.Err.Type)
	assert.Equal(t, 0, provider.calls)
}

func TestTrackedResult(t *testing.T) {
	svc := newTestService(&fakeProvider{})
	ctx := context.Background()

	t.Run("succeeded with caveat becomes warning", func(t *testing.T) {
		task := &Task{ID: "task-1", State: TaskStateSucceeded}
		result := svc.trackedResult(ctx, nil, task, "web-server-01", "clone_vm", CaveatPostBootScript)
		require.True(t, result.Success)
		assert.Equal(t, CaveatPostBootScript, result.Warning)

		summary, ok := result.Data.(api.VMSummary)
		require.True(t, ok)
		assert.Equal(t, "web-server-01", summary.Name)
		assert.Equal(t, "task-1", summary.TaskID)
	})

	t.Run("succeeded without caveat has no warning", func(t *testing.T) {
		task := &Task{ID: "task-1", State: TaskStateSucceeded}
		result := svc.trackedResult(ctx, nil, task, "web-server-01", "clone_vm", "")
		require.True(t, result.Success)
		assert.Empty(t, result.Warning)
	})

	t.Run("failed translates the fault", func(t *testing.T) {
		task := &Task{
			ID:    "task-2",
			State: TaskStateFailed,
			Fault: &types.LocalizedMethodFault{
				Fault:            &types.DuplicateName{Name: "web-server-01"},
				LocalizedMessage: "already exists",
			},
		}
		result := svc.trackedResult(ctx, nil, task, "web-server-01", "clone_vm", "")
		assert.False(t, result.Success)
		require.NotNil(t, result.Err)
		assert.Equal(t, api.ErrorTypeInvalidParameter, result.Err.Type)
		assert.Equal(t, "vm_name", result.Err.Parameter)
	})

	t.Run("timed out advises re-query not retry", func(t *testing.T) {
		task := &Task{ID: "task-3", State: TaskStateTimedOut}
		result := svc.trackedResult(ctx, nil, task, "web-server-01", "clone_vm", "")
		assert.False(t, result.Success)
		require.NotNil(t, result.Err)
		assert.Equal(t, api.ErrorTypeTimeout, result.Err.Type)
		assert.Contains(t, result.Err.Suggestion, "re-query")

		actions := make([]string, 0, len(result.Err.RelatedActions))
		for _, related := range result.Err.RelatedActions {
			actions = append(actions, related.Action)
		}
		assert.Contains(t, actions, "getVMPowerState")
	})
}

func TestTrackedResultPowerStateLookup(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		svc := newTestService(&fakeProvider{client: client})

		vmRef, err := vsphere.NewResolver(client).VirtualMachine(ctx, "DC0_H0_VM0")
		require.NoError(t, err)

		task := &Task{ID: "task-1", State: TaskStateSucceeded, Result: &vmRef.Ref}
		result := svc.trackedResult(ctx, client, task, "DC0_H0_VM0", "clone_vm", "")
		require.True(t, result.Success)
		summary, ok := result.Data.(api.VMSummary)
		require.True(t, ok)
		assert.Equal(t, string(types.VirtualMachinePowerStatePoweredOn), summary.PowerState)
		assert.Equal(t, vmRef.Ref.Value, summary.ID)

		// The produced VM vanished between task completion and the read: the
		// result stays successful with a sentinel power state.
		gone := types.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-does-not-exist"}
		task = &Task{ID: "task-2", State: TaskStateSucceeded, Result: &gone}
		result = svc.trackedResult(ctx, client, task, "ghost-vm", "clone_vm", "")
		require.True(t, result.Success)
		summary, ok = result.Data.(api.VMSummary)
		require.True(t, ok)
		assert.Equal(t, "unknown", summary.PowerState)
		assert.Equal(t, "vm-does-not-exist", summary.ID)
	})
}

func TestResultExclusivity(t *testing.T) {
	// A result carries data or an error, never both and never neither.
	ok := api.OK(api.VMSummary{Name: "web-server-01"})
	assert.True(t, ok.Success)
	assert.NotNil(t, ok.Data)
	assert.Nil(t, ok.Err)

	failed := api.Failed(&api.Error{Type: api.ErrorTypeAPIError, Message: "boom"})
	assert.False(t, failed.Success)
	assert.Nil(t, failed.Data)
	require.NotNil(t, failed.Err)

	// A nil error is coerced rather than producing a success-less, error-less
	// result.
	coerced := api.Failed(nil)
	assert.False(t, coerced.Success)
	require.NotNil(t, coerced.Err)
	assert.Equal(t, api.ErrorTypeAPIError, coerced.Err.Type)
}
