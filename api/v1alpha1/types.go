// Package v1alpha1 defines the wire types shared by every callable action:
// the uniform result envelope, the structured error taxonomy and the
// inventory payloads.
package v1alpha1

import (
	"fmt"
	"strings"
)

// ErrorType classifies an action failure. The set is closed so automated
// callers can branch on it without parsing message text.
type ErrorType string

const (
	ErrorTypeMissingParameter  ErrorType = "MISSING_PARAMETER"
	ErrorTypeInvalidParameter  ErrorType = "INVALID_PARAMETER"
	ErrorTypeResourceNotFound  ErrorType = "RESOURCE_NOT_FOUND"
	ErrorTypePermissionDenied  ErrorType = "PERMISSION_DENIED"
	ErrorTypeQuotaExceeded     ErrorType = "QUOTA_EXCEEDED"
	ErrorTypeDependencyMissing ErrorType = "DEPENDENCY_MISSING"
	ErrorTypeAPIError          ErrorType = "API_ERROR"
	ErrorTypeConnectionError   ErrorType = "CONNECTION_ERROR"
	ErrorTypeTimeout           ErrorType = "TIMEOUT"
)

// RelatedAction points the caller at another action that can resolve the
// failure, with example parameters it can copy.
type RelatedAction struct {
	Action        string            `json:"action"`
	Reason        string            `json:"reason"`
	ExampleParams map[string]string `json:"example_params,omitempty"`
}

// Error is the structured error attached to every failed Result. Suggestion
// is always populated; Parameter names the offending field when one exists.
type Error struct {
	Type           ErrorType       `json:"error_type"`
	Message        string          `json:"message"`
	Parameter      string          `json:"parameter,omitempty"`
	Suggestion     string          `json:"suggestion"`
	RelatedActions []RelatedAction `json:"related_actions,omitempty"`
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("suggestion: %s", e.Suggestion))
	}
	if len(e.RelatedActions) > 0 {
		actions := make([]string, 0, len(e.RelatedActions))
		for _, a := range e.RelatedActions {
			actions = append(actions, fmt.Sprintf("%s (%s)", a.Action, a.Reason))
		}
		parts = append(parts, fmt.Sprintf("related actions: %s", strings.Join(actions, ", ")))
	}
	return strings.Join(parts, "\n")
}

// Result is the uniform envelope returned by every action. Exactly one of
// Data and Err is populated; use the constructors below to keep it that way.
type Result struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Err       *Error `json:"error,omitempty"`
	Warning   string `json:"warning,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// OK builds a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// OKWithWarning builds a successful Result carrying a non-fatal caveat.
func OKWithWarning(data any, warning string) Result {
	return Result{Success: true, Data: data, Warning: warning}
}

// Failed builds a failed Result. A nil error is coerced into an API_ERROR so
// the envelope invariant holds even for broken callers.
func Failed(err *Error) Result {
	if err == nil {
		err = &Error{
			Type:       ErrorTypeAPIError,
			Message:    "operation failed without error detail",
			Suggestion: "Retry the operation; report this if it persists.",
		}
	}
	return Result{Success: false, Err: err}
}

// CreateVMRequest is the parameter set of the createVMFromTemplate action.
// Customization fields are optional; they only take effect together with a
// template whose guest OS family supports them.
type CreateVMRequest struct {
	VMName           string `json:"vm_name"`
	TemplateName     string `json:"template_name"`
	ClusterName      string `json:"cluster_name"`
	CPU              *int32 `json:"cpu,omitempty"`
	MemoryMB         *int64 `json:"memory_mb,omitempty"`
	NetworkName      string `json:"network_name,omitempty"`
	FolderName       string `json:"folder_name,omitempty"`
	ResourcePoolName string `json:"resource_pool_name,omitempty"`

	IPAddress  string   `json:"ip_address,omitempty"`
	SubnetMask string   `json:"subnet_mask,omitempty"`
	Gateway    string   `json:"gateway,omitempty"`
	DNSServers []string `json:"dns_servers,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	Domain     string   `json:"domain,omitempty"`
	Password   string   `json:"password,omitempty"`
}

// ReconfigureRequest is the parameter set of the reconfigureVM action. The
// target VM must be powered off. Disk resize is expansion only.
type ReconfigureRequest struct {
	VMName      string `json:"vm_name"`
	CPU         *int32 `json:"cpu,omitempty"`
	MemoryMB    *int64 `json:"memory_mb,omitempty"`
	DiskSizeGB  *int64 `json:"disk_size_gb,omitempty"`
	NetworkName string `json:"network_name,omitempty"`
}

// VMSummary describes a freshly created or reconfigured VM.
type VMSummary struct {
	ID         string `json:"vm_id"`
	Name       string `json:"vm_name"`
	PowerState string `json:"power_state"`
	TaskID     string `json:"task_id,omitempty"`
}

// VM is a virtual machine inventory entry.
type VM struct {
	Name        string `json:"name"`
	ID          string `json:"vm_id"`
	PowerState  string `json:"power_state,omitempty"`
	GuestOS     string `json:"guest_os,omitempty"`
	NumCPU      int32  `json:"num_cpu,omitempty"`
	MemoryMB    int32  `json:"memory_mb,omitempty"`
	HostName    string `json:"host_name,omitempty"`
	ClusterName string `json:"cluster_name,omitempty"`
	FolderPath  string `json:"folder_path,omitempty"`
}

// Template is a VM template inventory entry.
type Template struct {
	Name       string `json:"name"`
	ID         string `json:"template_id"`
	GuestOS    string `json:"guest_os,omitempty"`
	NumCPU     int32  `json:"num_cpu,omitempty"`
	MemoryMB   int32  `json:"memory_mb,omitempty"`
	DiskSizeGB int64  `json:"disk_size_gb,omitempty"`
}

// Host is an ESXi host inventory entry. Usage figures are percentages.
type Host struct {
	Name          string  `json:"name"`
	ID            string  `json:"host_id"`
	CPUUsage      float64 `json:"cpu_usage,omitempty"`
	MemoryUsage   float64 `json:"memory_usage,omitempty"`
	TotalCPUCores int32   `json:"total_cpu,omitempty"`
	TotalMemoryGB int64   `json:"total_memory_gb,omitempty"`
}

// Cluster is a compute cluster inventory entry.
type Cluster struct {
	Name     string `json:"name"`
	ID       string `json:"cluster_id"`
	NumHosts int    `json:"num_hosts"`
	NumVMs   int    `json:"num_vms"`
}

// Folder is a VM folder inventory entry.
type Folder struct {
	Name string `json:"name"`
	ID   string `json:"folder_id"`
	Path string `json:"path,omitempty"`
}

// ResourcePool is a resource pool inventory entry. Limits are absent when the
// pool is unlimited.
type ResourcePool struct {
	Name          string  `json:"name"`
	ID            string  `json:"resource_pool_id"`
	CPULimitGHz   float64 `json:"cpu_limit,omitempty"`
	MemoryLimitGB float64 `json:"memory_limit_gb,omitempty"`
}

// Network is a network inventory entry. Type is Standard or Distributed.
type Network struct {
	Name string `json:"name"`
	ID   string `json:"network_id"`
	Type string `json:"network_type"`
}

// PowerState is the payload of the getVMPowerState action.
type PowerState struct {
	VMName         string `json:"vm_name"`
	PowerState     string `json:"power_state"`
	CanReconfigure bool   `json:"can_reconfigure"`
}
