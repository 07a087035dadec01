package vsphere

import (
	"context"
	"strings"

	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
)

// Inventory serves the read-only describe* actions. Lookups always hit the
// management plane; nothing is cached between calls.
type Inventory struct {
	provider ClientProvider
}

func NewInventory(provider ClientProvider) *Inventory {
	return &Inventory{provider: provider}
}

// Templates lists VM templates, optionally restricted to one cluster.
func (i *Inventory) Templates(ctx context.Context, clusterName string) ([]api.Template, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var vms []mo.VirtualMachine
	props := []string{"name", "config.template", "config.guestFullName", "config.hardware", "runtime.host"}
	if err := resolver.retrieve(ctx, "VirtualMachine", props, &vms); err != nil {
		return nil, err
	}

	hostClusters, err := i.hostClusterNames(ctx, client)
	if err != nil {
		return nil, err
	}

	templates := []api.Template{}
	for _, vm := range vms {
		if vm.Config == nil || !vm.Config.Template {
			continue
		}
		if clusterName != "" && vm.Runtime.Host != nil && hostClusters[*vm.Runtime.Host] != clusterName {
			continue
		}

		template := api.Template{
			Name:       vm.Name,
			ID:         vm.Self.Value,
			GuestOS:    vm.Config.GuestFullName,
			NumCPU:     vm.Config.Hardware.NumCPU,
			MemoryMB:   vm.Config.Hardware.MemoryMB,
			DiskSizeGB: diskCapacityGB(vm.Config.Hardware.Device),
		}
		templates = append(templates, template)
	}
	return templates, nil
}

// Hosts lists ESXi hosts with usage percentages, optionally restricted to one
// cluster.
func (i *Inventory) Hosts(ctx context.Context, clusterName string) ([]api.Host, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var hostSystems []mo.HostSystem
	props := []string{"name", "parent", "summary.hardware", "summary.quickStats"}
	if err := resolver.retrieve(ctx, "HostSystem", props, &hostSystems); err != nil {
		return nil, err
	}

	clusterNames, err := i.clusterNames(ctx, client)
	if err != nil {
		return nil, err
	}

	hosts := []api.Host{}
	for _, hs := range hostSystems {
		if clusterName != "" {
			if hs.Parent == nil || clusterNames[*hs.Parent] != clusterName {
				continue
			}
		}

		host := api.Host{Name: hs.Name, ID: hs.Self.Value}
		if hw := hs.Summary.Hardware; hw != nil {
			host.TotalCPUCores = int32(hw.NumCpuCores)
			host.TotalMemoryGB = hw.MemorySize / (1 << 30)

			stats := hs.Summary.QuickStats
			if totalMhz := int64(hw.NumCpuCores) * int64(hw.CpuMhz); totalMhz > 0 {
				host.CPUUsage = roundPct(float64(stats.OverallCpuUsage) / float64(totalMhz) * 100)
			}
			if hw.MemorySize > 0 {
				used := int64(stats.OverallMemoryUsage) * (1 << 20)
				host.MemoryUsage = roundPct(float64(used) / float64(hw.MemorySize) * 100)
			}
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// Clusters lists compute clusters with their host and VM counts.
func (i *Inventory) Clusters(ctx context.Context) ([]api.Cluster, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var clusterObjs []mo.ClusterComputeResource
	if err := resolver.retrieve(ctx, "ClusterComputeResource", []string{"name", "host"}, &clusterObjs); err != nil {
		return nil, err
	}

	var vms []mo.VirtualMachine
	if err := resolver.retrieve(ctx, "VirtualMachine", []string{"config.template", "runtime.host"}, &vms); err != nil {
		return nil, err
	}

	vmsPerHost := map[types.ManagedObjectReference]int{}
	for _, vm := range vms {
		if vm.Config != nil && vm.Config.Template {
			continue
		}
		if vm.Runtime.Host != nil {
			vmsPerHost[*vm.Runtime.Host]++
		}
	}

	clusters := []api.Cluster{}
	for _, cluster := range clusterObjs {
		numVMs := 0
		for _, hostRef := range cluster.Host {
			numVMs += vmsPerHost[hostRef]
		}
		clusters = append(clusters, api.Cluster{
			Name:     cluster.Name,
			ID:       cluster.Self.Value,
			NumHosts: len(cluster.Host),
			NumVMs:   numVMs,
		})
	}
	return clusters, nil
}

// Folders lists VM folders with their inventory paths.
func (i *Inventory) Folders(ctx context.Context) ([]api.Folder, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var folderObjs []mo.Folder
	if err := resolver.retrieve(ctx, "Folder", []string{"name", "childType", "parent"}, &folderObjs); err != nil {
		return nil, err
	}

	parents, err := i.entityParents(ctx, client, folderObjs)
	if err != nil {
		return nil, err
	}

	folders := []api.Folder{}
	for _, folder := range folderObjs {
		if !isVMFolder(folder.ChildType) {
			continue
		}
		folders = append(folders, api.Folder{
			Name: folder.Name,
			ID:   folder.Self.Value,
			Path: entityPath(folder.Self, parents),
		})
	}
	return folders, nil
}

// ResourcePools lists resource pools with their CPU/memory limits, optionally
// restricted to one cluster.
func (i *Inventory) ResourcePools(ctx context.Context, clusterName string) ([]api.ResourcePool, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var poolObjs []mo.ResourcePool
	if err := resolver.retrieve(ctx, "ResourcePool", []string{"name", "config", "owner"}, &poolObjs); err != nil {
		return nil, err
	}

	clusterNames, err := i.clusterNames(ctx, client)
	if err != nil {
		return nil, err
	}

	pools := []api.ResourcePool{}
	for _, pool := range poolObjs {
		if clusterName != "" && clusterNames[pool.Owner] != clusterName {
			continue
		}

		entry := api.ResourcePool{Name: pool.Name, ID: pool.Self.Value}
		if limit := pool.Config.CpuAllocation.Limit; limit != nil && *limit > 0 {
			entry.CPULimitGHz = float64(*limit) / 1000.0
		}
		if limit := pool.Config.MemoryAllocation.Limit; limit != nil && *limit > 0 {
			entry.MemoryLimitGB = float64(*limit) / 1024.0
		}
		pools = append(pools, entry)
	}
	return pools, nil
}

// Networks lists standard networks and distributed portgroups. Networks span
// clusters, so no cluster filter applies here.
func (i *Inventory) Networks(ctx context.Context) ([]api.Network, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var networkObjs []mo.Network
	if err := resolver.retrieve(ctx, "Network", []string{"name"}, &networkObjs); err != nil {
		return nil, err
	}

	networks := []api.Network{}
	for _, network := range networkObjs {
		networkType := "Standard"
		if network.Self.Type == "DistributedVirtualPortgroup" {
			networkType = "Distributed"
		}
		networks = append(networks, api.Network{
			Name: network.Name,
			ID:   network.Self.Value,
			Type: networkType,
		})
	}
	return networks, nil
}

// VirtualMachines lists non-template VMs, optionally filtered by cluster and
// by case-insensitive name substring.
func (i *Inventory) VirtualMachines(ctx context.Context, clusterName, nameFilter string) ([]api.VM, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(client)
	var vmObjs []mo.VirtualMachine
	props := []string{"name", "config.template", "config.guestFullName", "config.hardware.numCPU", "config.hardware.memoryMB", "runtime.powerState", "runtime.host", "parent"}
	if err := resolver.retrieve(ctx, "VirtualMachine", props, &vmObjs); err != nil {
		return nil, err
	}

	var hostSystems []mo.HostSystem
	if err := resolver.retrieve(ctx, "HostSystem", []string{"name", "parent"}, &hostSystems); err != nil {
		return nil, err
	}
	hostNames := map[types.ManagedObjectReference]string{}
	for _, hs := range hostSystems {
		hostNames[hs.Self] = hs.Name
	}

	hostClusters, err := i.hostClusterNames(ctx, client)
	if err != nil {
		return nil, err
	}

	var folderObjs []mo.Folder
	if err := resolver.retrieve(ctx, "Folder", []string{"name", "parent"}, &folderObjs); err != nil {
		return nil, err
	}
	parents, err := i.entityParents(ctx, client, folderObjs)
	if err != nil {
		return nil, err
	}

	vms := []api.VM{}
	for _, vm := range vmObjs {
		if vm.Config != nil && vm.Config.Template {
			continue
		}
		if nameFilter != "" && !strings.Contains(strings.ToLower(vm.Name), strings.ToLower(nameFilter)) {
			continue
		}

		entry := api.VM{
			Name:       vm.Name,
			ID:         vm.Self.Value,
			PowerState: string(vm.Runtime.PowerState),
		}
		if vm.Config != nil {
			entry.GuestOS = vm.Config.GuestFullName
			entry.NumCPU = vm.Config.Hardware.NumCPU
			entry.MemoryMB = vm.Config.Hardware.MemoryMB
		}
		if vm.Runtime.Host != nil {
			entry.HostName = hostNames[*vm.Runtime.Host]
			entry.ClusterName = hostClusters[*vm.Runtime.Host]
		}
		if clusterName != "" && entry.ClusterName != clusterName {
			continue
		}
		if vm.Parent != nil {
			entry.FolderPath = entityPath(*vm.Parent, parents)
		}
		vms = append(vms, entry)
	}
	return vms, nil
}

// PowerState reports a VM's power state and whether it is reconfigurable in
// that state.
func (i *Inventory) PowerState(ctx context.Context, vmName string) (*api.PowerState, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	vm, err := NewResolver(client).VirtualMachine(ctx, vmName)
	if err != nil {
		return nil, err
	}
	return &api.PowerState{
		VMName:         vm.Name,
		PowerState:     string(vm.PowerState),
		CanReconfigure: vm.PowerState == types.VirtualMachinePowerStatePoweredOff,
	}, nil
}

func (i *Inventory) clusterNames(ctx context.Context, client *vim25.Client) (map[types.ManagedObjectReference]string, error) {
	var clusters []mo.ClusterComputeResource
	if err := NewResolver(client).retrieve(ctx, "ClusterComputeResource", []string{"name"}, &clusters); err != nil {
		return nil, err
	}
	names := map[types.ManagedObjectReference]string{}
	for _, cluster := range clusters {
		names[cluster.Self] = cluster.Name
	}
	return names, nil
}

func (i *Inventory) hostClusterNames(ctx context.Context, client *vim25.Client) (map[types.ManagedObjectReference]string, error) {
	var hostSystems []mo.HostSystem
	if err := NewResolver(client).retrieve(ctx, "HostSystem", []string{"parent"}, &hostSystems); err != nil {
		return nil, err
	}
	clusterNames, err := i.clusterNames(ctx, client)
	if err != nil {
		return nil, err
	}

	names := map[types.ManagedObjectReference]string{}
	for _, hs := range hostSystems {
		if hs.Parent != nil {
			names[hs.Self] = clusterNames[*hs.Parent]
		}
	}
	return names, nil
}

type entityNode struct {
	name   string
	parent *types.ManagedObjectReference
}

// entityParents indexes folder and datacenter names/parents so inventory
// paths can be assembled without further round trips.
func (i *Inventory) entityParents(ctx context.Context, client *vim25.Client, folders []mo.Folder) (map[types.ManagedObjectReference]entityNode, error) {
	nodes := map[types.ManagedObjectReference]entityNode{}
	for _, folder := range folders {
		nodes[folder.Self] = entityNode{name: folder.Name, parent: folder.Parent}
	}

	var datacenters []mo.Datacenter
	if err := NewResolver(client).retrieve(ctx, "Datacenter", []string{"name", "parent"}, &datacenters); err != nil {
		return nil, err
	}
	for _, dc := range datacenters {
		nodes[dc.Self] = entityNode{name: dc.Name}
	}
	return nodes, nil
}

func entityPath(ref types.ManagedObjectReference, nodes map[types.ManagedObjectReference]entityNode) string {
	parts := []string{}
	current := &ref
	for current != nil {
		node, ok := nodes[*current]
		if !ok {
			break
		}
		parts = append([]string{node.name}, parts...)
		current = node.parent
	}
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

func diskCapacityGB(devices []types.BaseVirtualDevice) int64 {
	var capacityKB int64
	for _, device := range devices {
		if disk, ok := device.(*types.VirtualDisk); ok {
			capacityKB += disk.CapacityInKB
		}
	}
	return capacityKB / (1 << 20)
}

func roundPct(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
