package vsphere

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// NotFoundError reports a failed name→reference resolution.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// TemplateRef is a resolved VM template.
type TemplateRef struct {
	Ref     types.ManagedObjectReference
	Name    string
	GuestID string
	// Folder the template lives in; the clone destination when the request
	// names no folder.
	Parent *types.ManagedObjectReference
}

// ClusterRef is a resolved compute cluster.
type ClusterRef struct {
	Ref  types.ManagedObjectReference
	Name string
	// Root resource pool of the cluster.
	ResourcePool *types.ManagedObjectReference
}

// NetworkRef is a resolved network, either a standard portgroup or a
// distributed virtual portgroup.
type NetworkRef struct {
	Ref         types.ManagedObjectReference
	Name        string
	Distributed bool
}

// VMRef is a resolved (non-template) virtual machine.
type VMRef struct {
	Ref        types.ManagedObjectReference
	Name       string
	PowerState types.VirtualMachinePowerState
}

// Resolver resolves inventory names to managed object references. Results are
// never cached: names can be reassigned between calls, so every request pays
// for a fresh lookup.
type Resolver struct {
	client *vim25.Client
}

func NewResolver(client *vim25.Client) *Resolver {
	return &Resolver{client: client}
}

// Template resolves a template by name. Non-template VMs with the same name
// are ignored.
func (r *Resolver) Template(ctx context.Context, name string) (*TemplateRef, error) {
	var vms []mo.VirtualMachine
	props := []string{"name", "config.template", "config.guestId", "parent"}
	if err := r.retrieve(ctx, "VirtualMachine", props, &vms); err != nil {
		return nil, err
	}

	for _, vm := range vms {
		if vm.Name != name || vm.Config == nil || !vm.Config.Template {
			continue
		}
		return &TemplateRef{
			Ref:     vm.Self,
			Name:    vm.Name,
			GuestID: vm.Config.GuestId,
			Parent:  vm.Parent,
		}, nil
	}
	return nil, &NotFoundError{Kind: "template", Name: name}
}

// Cluster resolves a cluster by name along with its root resource pool.
func (r *Resolver) Cluster(ctx context.Context, name string) (*ClusterRef, error) {
	var clusters []mo.ClusterComputeResource
	if err := r.retrieve(ctx, "ClusterComputeResource", []string{"name", "resourcePool"}, &clusters); err != nil {
		return nil, err
	}

	for _, cluster := range clusters {
		if cluster.Name == name {
			return &ClusterRef{
				Ref:          cluster.Self,
				Name:         cluster.Name,
				ResourcePool: cluster.ResourcePool,
			}, nil
		}
	}
	return nil, &NotFoundError{Kind: "cluster", Name: name}
}

// Folder resolves a VM folder by name. Host, network and datastore folders
// are skipped.
func (r *Resolver) Folder(ctx context.Context, name string) (*types.ManagedObjectReference, error) {
	var folders []mo.Folder
	if err := r.retrieve(ctx, "Folder", []string{"name", "childType"}, &folders); err != nil {
		return nil, err
	}

	for _, folder := range folders {
		if folder.Name == name && isVMFolder(folder.ChildType) {
			ref := folder.Self
			return &ref, nil
		}
	}
	return nil, &NotFoundError{Kind: "folder", Name: name}
}

// ResourcePool resolves a resource pool by name.
func (r *Resolver) ResourcePool(ctx context.Context, name string) (*types.ManagedObjectReference, error) {
	var pools []mo.ResourcePool
	if err := r.retrieve(ctx, "ResourcePool", []string{"name"}, &pools); err != nil {
		return nil, err
	}

	for _, pool := range pools {
		if pool.Name == name {
			ref := pool.Self
			return &ref, nil
		}
	}
	return nil, &NotFoundError{Kind: "resource pool", Name: name}
}

// Network resolves a standard network or distributed portgroup by name.
func (r *Resolver) Network(ctx context.Context, name string) (*NetworkRef, error) {
	var networks []mo.Network
	if err := r.retrieve(ctx, "Network", []string{"name"}, &networks); err != nil {
		return nil, err
	}

	for _, network := range networks {
		if network.Name == name {
			return &NetworkRef{
				Ref:         network.Self,
				Name:        network.Name,
				Distributed: network.Self.Type == "DistributedVirtualPortgroup",
			}, nil
		}
	}
	return nil, &NotFoundError{Kind: "network", Name: name}
}

// VirtualMachine resolves a non-template VM by name.
func (r *Resolver) VirtualMachine(ctx context.Context, name string) (*VMRef, error) {
	var vms []mo.VirtualMachine
	props := []string{"name", "config.template", "runtime.powerState"}
	if err := r.retrieve(ctx, "VirtualMachine", props, &vms); err != nil {
		return nil, err
	}

	for _, vm := range vms {
		if vm.Name != name {
			continue
		}
		if vm.Config != nil && vm.Config.Template {
			continue
		}
		return &VMRef{
			Ref:        vm.Self,
			Name:       vm.Name,
			PowerState: vm.Runtime.PowerState,
		}, nil
	}
	return nil, &NotFoundError{Kind: "virtual machine", Name: name}
}

// NetworkBacking builds the NIC backing for the given network, handling both
// standard portgroups and distributed portgroups.
func (r *Resolver) NetworkBacking(ctx context.Context, network *NetworkRef) (types.BaseVirtualDeviceBackingInfo, error) {
	if !network.Distributed {
		return &types.VirtualEthernetCardNetworkBackingInfo{
			VirtualDeviceDeviceBackingInfo: types.VirtualDeviceDeviceBackingInfo{
				DeviceName: network.Name,
			},
			Network: &network.Ref,
		}, nil
	}

	pc := property.DefaultCollector(r.client)

	var portgroup mo.DistributedVirtualPortgroup
	if err := pc.RetrieveOne(ctx, network.Ref, []string{"key", "config.distributedVirtualSwitch"}, &portgroup); err != nil {
		return nil, fmt.Errorf("reading portgroup %q: %w", network.Name, err)
	}
	if portgroup.Config.DistributedVirtualSwitch == nil {
		return nil, fmt.Errorf("portgroup %q has no distributed switch", network.Name)
	}

	var dvs mo.DistributedVirtualSwitch
	if err := pc.RetrieveOne(ctx, *portgroup.Config.DistributedVirtualSwitch, []string{"uuid"}, &dvs); err != nil {
		return nil, fmt.Errorf("reading distributed switch for portgroup %q: %w", network.Name, err)
	}

	return &types.VirtualEthernetCardDistributedVirtualPortBackingInfo{
		Port: types.DistributedVirtualSwitchPortConnection{
			PortgroupKey: portgroup.Key,
			SwitchUuid:   dvs.Uuid,
		},
	}, nil
}

func (r *Resolver) retrieve(ctx context.Context, kind string, props []string, dst any) error {
	m := view.NewManager(r.client)
	v, err := m.CreateContainerView(ctx, r.client.ServiceContent.RootFolder, []string{kind}, true)
	if err != nil {
		return fmt.Errorf("creating container view for %s: %w", kind, err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	if err := v.Retrieve(ctx, []string{kind}, props, dst); err != nil {
		return fmt.Errorf("listing %s objects: %w", kind, err)
	}
	return nil
}

func isVMFolder(childTypes []string) bool {
	for _, t := range childTypes {
		if t == "VirtualMachine" {
			return true
		}
	}
	return false
}
