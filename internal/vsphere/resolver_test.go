package vsphere

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/types"
)

// makeTemplate powers the named VM off and converts it into a template.
func makeTemplate(ctx context.Context, t *testing.T, client *vim25.Client, name string) types.ManagedObjectReference {
	t.Helper()

	vmRef, err := NewResolver(client).VirtualMachine(ctx, name)
	require.NoError(t, err)

	vm := object.NewVirtualMachine(client, vmRef.Ref)
	task, err := vm.PowerOff(ctx)
	require.NoError(t, err)
	require.NoError(t, task.Wait(ctx))
	require.NoError(t, vm.MarkAsTemplate(ctx))
	return vmRef.Ref
}

func TestResolverTemplateDisambiguation(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		templateRef := makeTemplate(ctx, t, client, "DC0_H0_VM1")
		resolver := NewResolver(client)

		template, err := resolver.Template(ctx, "DC0_H0_VM1")
		require.NoError(t, err)
		assert.Equal(t, templateRef, template.Ref)
		assert.Equal(t, "DC0_H0_VM1", template.Name)
		assert.NotEmpty(t, template.GuestID)
		require.NotNil(t, template.Parent, "templates carry their folder for clone placement")

		// A plain VM with the requested name is not a template match.
		_, err = resolver.Template(ctx, "DC0_H0_VM0")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "template", notFound.Kind)

		// And the template no longer resolves as a virtual machine.
		_, err = resolver.VirtualMachine(ctx, "DC0_H0_VM1")
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "virtual machine", notFound.Kind)

		vm, err := resolver.VirtualMachine(ctx, "DC0_C0_RP0_VM0")
		require.NoError(t, err)
		assert.Equal(t, types.VirtualMachinePowerStatePoweredOn, vm.PowerState)
	})
}

func TestResolverFolderFiltersNonVMFolders(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		resolver := NewResolver(client)

		folder, err := resolver.Folder(ctx, "vm")
		require.NoError(t, err)
		require.NotNil(t, folder)
		assert.Equal(t, "Folder", folder.Type)

		// The host folder exists but cannot hold virtual machines.
		_, err = resolver.Folder(ctx, "host")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "folder", notFound.Kind)
	})
}

func TestResolverClusterAndResourcePool(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		resolver := NewResolver(client)

		cluster, err := resolver.Cluster(ctx, "DC0_C0")
		require.NoError(t, err)
		assert.Equal(t, "DC0_C0", cluster.Name)
		require.NotNil(t, cluster.ResourcePool, "a cluster always exposes its root resource pool")

		_, err = resolver.Cluster(ctx, "no-such-cluster")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "cluster", notFound.Kind)

		pool, err := resolver.ResourcePool(ctx, "Resources")
		require.NoError(t, err)
		assert.Equal(t, "ResourcePool", pool.Type)
	})
}

func TestResolverNetworkBacking(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		resolver := NewResolver(client)

		standard, err := resolver.Network(ctx, "VM Network")
		require.NoError(t, err)
		assert.False(t, standard.Distributed)

		backing, err := resolver.NetworkBacking(ctx, standard)
		require.NoError(t, err)
		std, ok := backing.(*types.VirtualEthernetCardNetworkBackingInfo)
		require.True(t, ok)
		assert.Equal(t, "VM Network", std.DeviceName)
		require.NotNil(t, std.Network)

		portgroup, err := resolver.Network(ctx, "DC0_DVPG0")
		require.NoError(t, err)
		assert.True(t, portgroup.Distributed)

		backing, err = resolver.NetworkBacking(ctx, portgroup)
		require.NoError(t, err)
		dvs, ok := backing.(*types.VirtualEthernetCardDistributedVirtualPortBackingInfo)
		require.True(t, ok)
		assert.NotEmpty(t, dvs.Port.PortgroupKey)
		assert.NotEmpty(t, dvs.Port.SwitchUuid)

		_, err = resolver.Network(ctx, "no-such-network")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "network", notFound.Kind)
	})
}

func TestTaskHandleStatus(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		vmRef, err := NewResolver(client).VirtualMachine(ctx, "DC0_H0_VM0")
		require.NoError(t, err)

		vm := object.NewVirtualMachine(client, vmRef.Ref)
		task, err := vm.PowerOff(ctx)
		require.NoError(t, err)
		require.NoError(t, task.Wait(ctx))

		handle := NewTaskHandle(client, task.Reference())
		assert.Equal(t, task.Reference().Value, handle.ID())

		status, err := handle.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.TaskInfoStateSuccess, status.State)
		assert.True(t, status.Terminal())
		assert.Nil(t, status.Fault)
	})
}

func TestTaskHandleStatusMissingTask(t *testing.T) {
	simulator.Test(func(ctx context.Context, client *vim25.Client) {
		handle := NewTaskHandle(client, types.ManagedObjectReference{Type: "Task", Value: "task-does-not-exist"})
		_, err := handle.Status(ctx)
		assert.Error(t, err)
	})
}
