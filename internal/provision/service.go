// Package provision implements the provisioning core: request validation,
// reference resolution, guest customization planning, task tracking and the
// translation of every failure into a structured, machine-actionable error.
package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/types"
	"go.uber.org/zap"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
	"github.com/virtops/vsphere-actions/internal/vsphere"
	"github.com/virtops/vsphere-actions/pkg/metrics"
	"github.com/virtops/vsphere-actions/pkg/requestid"
)

// Service orchestrates provisioning: validate, resolve, plan, submit, track,
// translate. Every entry point returns a uniform result; nothing here is
// fatal to the process.
type Service struct {
	provider vsphere.ClientProvider
	tracker  *Tracker

	// Concurrent requests against the same VM name would race to a duplicate
	// clone; the second one is rejected while the first is in flight.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Reported when a clone succeeds but the follow-up power state read fails.
const powerStateUnknown = "unknown"

func NewService(provider vsphere.ClientProvider, tracker *Tracker) *Service {
	return &Service{
		provider: provider,
		tracker:  tracker,
		inflight: map[string]struct{}{},
	}
}

// CreateFromTemplate clones a template into a new VM, applying optional
// hardware overrides and guest customization, and waits for the clone to
// finish.
func (s *Service) CreateFromTemplate(ctx context.Context, req api.CreateVMRequest) api.Result {
	logger := zap.S().Named("provision")

	if err := ValidateCreate(&req); err != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(err))
	}

	if !s.begin(req.VMName) {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(&api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "vm_name",
			Message:    fmt.Sprintf("a provisioning request for %q is already in flight", req.VMName),
			Suggestion: "Wait for the in-flight request to finish, or choose a different vm_name.",
		}))
	}
	defer s.end(req.VMName)

	client, err := s.provider.Client(ctx)
	if err != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(Translate(err, "connect")))
	}
	resolver := vsphere.NewResolver(client)

	template, err := resolver.Template(ctx, req.TemplateName)
	if err != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(Translate(err, "resolve_template")))
	}
	family := OSFamilyFromGuestID(template.GuestID)

	cluster, err := resolver.Cluster(ctx, req.ClusterName)
	if err != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(Translate(err, "resolve_cluster")))
	}

	pool := cluster.ResourcePool
	if req.ResourcePoolName != "" {
		pool, err = resolver.ResourcePool(ctx, req.ResourcePoolName)
		if err != nil {
			return s.finish(ctx, "createVMFromTemplate", api.Failed(Translate(err, "resolve_resource_pool")))
		}
	}
	if pool == nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(&api.Error{
			Type:           api.ErrorTypeResourceNotFound,
			Parameter:      "cluster_name",
			Message:        fmt.Sprintf("cluster %q has no root resource pool", req.ClusterName),
			Suggestion:     "Name a resource pool explicitly with resource_pool_name.",
			RelatedActions: []api.RelatedAction{relatedDescribeResourcePools},
		}))
	}

	folder := template.Parent
	if req.FolderName != "" {
		folder, err = resolver.Folder(ctx, req.FolderName)
		if err != nil {
			return s.finish(ctx, "createVMFromTemplate", api.Failed(Translate(err, "resolve_folder")))
		}
	}
	if folder == nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(&api.Error{
			Type:           api.ErrorTypeResourceNotFound,
			Parameter:      "folder_name",
			Message:        fmt.Sprintf("no destination folder for %q: the template has no parent folder and none was named", req.VMName),
			Suggestion:     "Name a destination folder with folder_name.",
			RelatedActions: []api.RelatedAction{relatedDescribeFolders},
		}))
	}

	plan, planErr := BuildPlan(family, customizationFromRequest(&req), req.VMName)
	if planErr != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(planErr))
	}

	configSpec, configErr := s.cloneConfigSpec(ctx, client, resolver, template, &req)
	if configErr != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(configErr))
	}

	cloneSpec := types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{
			Pool: pool,
		},
		// Power on so customization is applied on first boot.
		PowerOn:       true,
		Template:      false,
		Config:        configSpec,
		Customization: plan.Spec,
	}

	logger.Infow("submitting clone",
		"vm_name", req.VMName, "template", req.TemplateName, "cluster", req.ClusterName,
		"os_family", family.String(), "customized", plan.Spec != nil)

	templateVM := object.NewVirtualMachine(client, template.Ref)
	cloneTask, err := templateVM.Clone(ctx, object.NewFolder(client, *folder), req.VMName, cloneSpec)
	if err != nil {
		return s.finish(ctx, "createVMFromTemplate", api.Failed(Translate(err, "clone_vm")))
	}

	tracked := s.tracker.Track(ctx, vsphere.NewTaskHandle(client, cloneTask.Reference()))
	return s.finish(ctx, "createVMFromTemplate", s.trackedResult(ctx, client, tracked, req.VMName, "clone_vm", plan.Caveat))
}

// Reconfigure changes CPU, memory, disk size and/or network of an existing,
// powered-off VM and waits for the reconfiguration to finish.
func (s *Service) Reconfigure(ctx context.Context, req api.ReconfigureRequest) api.Result {
	if err := ValidateReconfigure(&req); err != nil {
		return s.finish(ctx, "reconfigureVM", api.Failed(err))
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return s.finish(ctx, "reconfigureVM", api.Failed(Translate(err, "connect")))
	}
	resolver := vsphere.NewResolver(client)

	vmRef, err := resolver.VirtualMachine(ctx, req.VMName)
	if err != nil {
		return s.finish(ctx, "reconfigureVM", api.Failed(Translate(err, "resolve_virtual_machine")))
	}

	if vmRef.PowerState != types.VirtualMachinePowerStatePoweredOff {
		return s.finish(ctx, "reconfigureVM", api.Failed(&api.Error{
			Type:           api.ErrorTypeInvalidParameter,
			Parameter:      "vm_name",
			Message:        fmt.Sprintf("VM %q is %s and must be powered off to reconfigure", req.VMName, vmRef.PowerState),
			Suggestion:     "Power off the VM first; getVMPowerState reports the current state.",
			RelatedActions: []api.RelatedAction{relatedGetVMPowerState},
		}))
	}

	vm := object.NewVirtualMachine(client, vmRef.Ref)
	configSpec, configErr := s.reconfigureSpec(ctx, client, resolver, vm, &req)
	if configErr != nil {
		return s.finish(ctx, "reconfigureVM", api.Failed(configErr))
	}

	zap.S().Named("provision").Infow("submitting reconfiguration", "vm_name", req.VMName)
	reconfigTask, err := vm.Reconfigure(ctx, *configSpec)
	if err != nil {
		return s.finish(ctx, "reconfigureVM", api.Failed(Translate(err, "reconfigure_vm")))
	}

	tracked := s.tracker.Track(ctx, vsphere.NewTaskHandle(client, reconfigTask.Reference()))
	result := s.trackedResult(ctx, client, tracked, req.VMName, "reconfigure_vm", "")
	if result.Success {
		// Reconfiguration leaves the VM in place; report the target itself.
		if summary, ok := result.Data.(api.VMSummary); ok && summary.ID == "" {
			summary.ID = vmRef.Ref.Value
			summary.PowerState = string(vmRef.PowerState)
			result.Data = summary
		}
	}
	return s.finish(ctx, "reconfigureVM", result)
}

// cloneConfigSpec builds the hardware override spec for a clone, nil when the
// request overrides nothing.
func (s *Service) cloneConfigSpec(ctx context.Context, client *vim25.Client, resolver *vsphere.Resolver, template *vsphere.TemplateRef, req *api.CreateVMRequest) (*types.VirtualMachineConfigSpec, *api.Error) {
	spec := &types.VirtualMachineConfigSpec{}
	changed := false

	if req.CPU != nil {
		spec.NumCPUs = *req.CPU
		changed = true
	}
	if req.MemoryMB != nil {
		spec.MemoryMB = *req.MemoryMB
		changed = true
	}

	if req.NetworkName != "" {
		network, err := resolver.Network(ctx, req.NetworkName)
		if err != nil {
			return nil, Translate(err, "resolve_network")
		}
		nicChange, nicErr := s.nicChange(ctx, client, resolver, object.NewVirtualMachine(client, template.Ref), network)
		if nicErr != nil {
			return nil, nicErr
		}
		spec.DeviceChange = append(spec.DeviceChange, nicChange)
		changed = true
	}

	if !changed {
		return nil, nil
	}
	return spec, nil
}

// reconfigureSpec builds the reconfiguration spec: CPU/memory overrides,
// grow-only disk resize and first-NIC network change.
func (s *Service) reconfigureSpec(ctx context.Context, client *vim25.Client, resolver *vsphere.Resolver, vm *object.VirtualMachine, req *api.ReconfigureRequest) (*types.VirtualMachineConfigSpec, *api.Error) {
	spec := &types.VirtualMachineConfigSpec{}

	if req.CPU != nil {
		spec.NumCPUs = *req.CPU
	}
	if req.MemoryMB != nil {
		spec.MemoryMB = *req.MemoryMB
	}

	if req.DiskSizeGB != nil {
		devices, err := vm.Device(ctx)
		if err != nil {
			return nil, Translate(err, "reconfigure_vm")
		}
		disks := devices.SelectByType((*types.VirtualDisk)(nil))
		if len(disks) == 0 {
			return nil, &api.Error{
				Type:       api.ErrorTypeResourceNotFound,
				Parameter:  "disk_size_gb",
				Message:    fmt.Sprintf("VM %q has no virtual disk to expand", req.VMName),
				Suggestion: "Drop disk_size_gb, or target a VM with a virtual disk.",
			}
		}

		disk := disks[0].(*types.VirtualDisk)
		requestedKB := *req.DiskSizeGB * (1 << 20)
		if requestedKB < disk.CapacityInKB {
			return nil, &api.Error{
				Type:      api.ErrorTypeInvalidParameter,
				Parameter: "disk_size_gb",
				Message: fmt.Sprintf("cannot shrink disk: current %d GB, requested %d GB",
					disk.CapacityInKB/(1<<20), *req.DiskSizeGB),
				Suggestion: "Only disk expansion is supported; request a size at or above the current capacity.",
			}
		}
		if requestedKB > disk.CapacityInKB {
			disk.CapacityInKB = requestedKB
			spec.DeviceChange = append(spec.DeviceChange, &types.VirtualDeviceConfigSpec{
				Operation: types.VirtualDeviceConfigSpecOperationEdit,
				Device:    disk,
			})
		}
	}

	if req.NetworkName != "" {
		network, err := resolver.Network(ctx, req.NetworkName)
		if err != nil {
			return nil, Translate(err, "resolve_network")
		}
		nicChange, nicErr := s.nicChange(ctx, client, resolver, vm, network)
		if nicErr != nil {
			return nil, nicErr
		}
		spec.DeviceChange = append(spec.DeviceChange, nicChange)
	}

	return spec, nil
}

// nicChange rewires the VM's (or template's) first network adapter onto the
// given network.
func (s *Service) nicChange(ctx context.Context, client *vim25.Client, resolver *vsphere.Resolver, vm *object.VirtualMachine, network *vsphere.NetworkRef) (types.BaseVirtualDeviceConfigSpec, *api.Error) {
	devices, err := vm.Device(ctx)
	if err != nil {
		return nil, Translate(err, "resolve_network")
	}

	nics := devices.SelectByType((*types.VirtualEthernetCard)(nil))
	if len(nics) == 0 {
		return nil, &api.Error{
			Type:       api.ErrorTypeResourceNotFound,
			Parameter:  "network_name",
			Message:    "no network adapter found to attach the network to",
			Suggestion: "Drop network_name, or use a source with a network adapter.",
		}
	}

	backing, err := resolver.NetworkBacking(ctx, network)
	if err != nil {
		return nil, Translate(err, "resolve_network")
	}

	nic := nics[0].GetVirtualDevice()
	nic.Backing = backing
	nic.Connectable = &types.VirtualDeviceConnectInfo{
		StartConnected:    true,
		AllowGuestControl: true,
		Connected:         true,
	}

	return &types.VirtualDeviceConfigSpec{
		Operation: types.VirtualDeviceConfigSpecOperationEdit,
		Device:    nics[0],
	}, nil
}

// trackedResult converts a terminal task into the uniform result for the
// caller.
func (s *Service) trackedResult(ctx context.Context, client *vim25.Client, task *Task, vmName, operation, caveat string) api.Result {
	switch task.State {
	case TaskStateSucceeded:
		summary := api.VMSummary{Name: vmName, TaskID: task.ID}
		ref := task.Result
		if ref != nil {
			summary.ID = ref.Value
			if powerState, err := object.NewVirtualMachine(client, *ref).PowerState(ctx); err == nil {
				summary.PowerState = string(powerState)
			} else {
				// The task succeeded; a failed follow-up read must not turn
				// the result into a failure, but the gap is reported.
				summary.PowerState = powerStateUnknown
				zap.S().Named("provision").Warnw("power state lookup failed after task success",
					"vm_id", ref.Value, "error", err)
			}
		}
		if caveat != "" {
			return api.OKWithWarning(summary, caveat)
		}
		return api.OK(summary)

	case TaskStateFailed:
		if task.Fault != nil {
			return api.Failed(TranslateFault(task.Fault, operation))
		}
		return api.Failed(translateText(task.FailureMessage, operation))

	case TaskStateTimedOut:
		return api.Failed(&api.Error{
			Type:      api.ErrorTypeTimeout,
			Parameter: "vm_name",
			Message:   fmt.Sprintf("task %s did not reach a terminal state within the configured budget", task.ID),
			Suggestion: "re-query VM state before retrying creation: the operation may still complete " +
				"out of band, and resubmitting now risks a duplicate VM",
			RelatedActions: []api.RelatedAction{relatedGetVMPowerState, relatedDescribeVMs},
		})

	default:
		return api.Failed(&api.Error{
			Type:       api.ErrorTypeAPIError,
			Message:    fmt.Sprintf("task %s finished in unexpected state %s", task.ID, task.State),
			Suggestion: "Re-query VM state with describeVMs.",
		})
	}
}

// finish stamps the request id, records metrics and returns the result
// unchanged otherwise.
func (s *Service) finish(ctx context.Context, action string, result api.Result) api.Result {
	result.RequestID = requestid.FromContext(ctx)

	errType := metrics.ErrorTypeNone
	if !result.Success && result.Err != nil {
		errType = string(result.Err.Type)
	}
	metrics.IncreaseActionResultMetric(action, errType)
	return result
}

func (s *Service) begin(vmName string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[vmName]; busy {
		return false
	}
	s.inflight[vmName] = struct{}{}
	return true
}

func (s *Service) end(vmName string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, vmName)
}
