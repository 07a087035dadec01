package provision

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
)

const (
	vmNameMinLength = 3
	vmNameMaxLength = 80

	cpuMin = 1
	cpuMax = 128

	memoryMinMB = 512
	memoryMaxMB = 1048576
)

var (
	vmNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Shared format validator for IP/hostname/domain fields.
	fieldValidate = validator.New()
)

// Validators run in a fixed order per field: missing before format before
// range, so the first reported error is always the most fundamental one. A
// chain stops at the first failure and returns that single error.

func validateVMName(vmName string) *api.Error {
	if vmName == "" {
		return &api.Error{
			Type:       api.ErrorTypeMissingParameter,
			Parameter:  "vm_name",
			Message:    "required parameter missing: vm_name",
			Suggestion: "Provide a virtual machine name such as 'web-server-01'.",
		}
	}
	// The bound is in characters, not bytes.
	if n := utf8.RuneCountInString(vmName); n < vmNameMinLength || n > vmNameMaxLength {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "vm_name",
			Message:    fmt.Sprintf("vm_name must be %d-%d characters, got %d: %q", vmNameMinLength, vmNameMaxLength, n, vmName),
			Suggestion: fmt.Sprintf("Use a name between %d and %d characters.", vmNameMinLength, vmNameMaxLength),
		}
	}
	if !vmNamePattern.MatchString(vmName) {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "vm_name",
			Message:    fmt.Sprintf("vm_name contains invalid characters: %q", vmName),
			Suggestion: "Use only letters, digits, underscores and hyphens.",
		}
	}
	return nil
}

func validateTemplateName(templateName string) *api.Error {
	if templateName == "" {
		return &api.Error{
			Type:           api.ErrorTypeMissingParameter,
			Parameter:      "template_name",
			Message:        "required parameter missing: template_name",
			Suggestion:     "List available templates first with describeTemplates.",
			RelatedActions: []api.RelatedAction{relatedDescribeTemplates},
		}
	}
	return nil
}

func validateClusterName(clusterName string) *api.Error {
	if clusterName == "" {
		return &api.Error{
			Type:           api.ErrorTypeMissingParameter,
			Parameter:      "cluster_name",
			Message:        "required parameter missing: cluster_name",
			Suggestion:     "List available clusters first with describeClusters.",
			RelatedActions: []api.RelatedAction{relatedDescribeClusters},
		}
	}
	return nil
}

func validateCPU(cpu *int32) *api.Error {
	if cpu == nil {
		return nil
	}
	if *cpu < cpuMin || *cpu > cpuMax {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "cpu",
			Message:    fmt.Sprintf("cpu must be between %d and %d, got %d", cpuMin, cpuMax, *cpu),
			Suggestion: fmt.Sprintf("Choose a CPU count in the %d-%d range.", cpuMin, cpuMax),
		}
	}
	return nil
}

func validateMemoryMB(memoryMB *int64) *api.Error {
	if memoryMB == nil {
		return nil
	}
	if *memoryMB < memoryMinMB || *memoryMB > memoryMaxMB {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "memory_mb",
			Message:    fmt.Sprintf("memory_mb must be between %dMB and %dMB, got %d", memoryMinMB, memoryMaxMB, *memoryMB),
			Suggestion: fmt.Sprintf("Choose a memory size in the %d-%d MB range.", memoryMinMB, memoryMaxMB),
		}
	}
	return nil
}

func validateDiskSizeGB(diskSizeGB *int64) *api.Error {
	if diskSizeGB == nil {
		return nil
	}
	if *diskSizeGB <= 0 {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "disk_size_gb",
			Message:    fmt.Sprintf("disk_size_gb must be positive, got %d", *diskSizeGB),
			Suggestion: "Provide a disk size greater than zero. Shrinking is not supported.",
		}
	}
	return nil
}

func validateIPField(parameter, value string) *api.Error {
	if value == "" {
		return nil
	}
	if err := fieldValidate.Var(value, "ip4_addr"); err != nil {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  parameter,
			Message:    fmt.Sprintf("%s is not a valid IPv4 address: %q", parameter, value),
			Suggestion: "Provide a dotted-quad IPv4 address such as '10.0.0.10'.",
		}
	}
	return nil
}

func validateHostname(hostname string) *api.Error {
	if hostname == "" {
		return nil
	}
	if err := fieldValidate.Var(hostname, "hostname_rfc1123"); err != nil {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "hostname",
			Message:    fmt.Sprintf("hostname is not RFC 1123 compliant: %q", hostname),
			Suggestion: "Use letters, digits and hyphens; labels must not start or end with a hyphen.",
		}
	}
	return nil
}

func validateDomain(domain string) *api.Error {
	if domain == "" {
		return nil
	}
	if err := fieldValidate.Var(domain, "fqdn"); err != nil {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "domain",
			Message:    fmt.Sprintf("domain is not a valid DNS domain: %q", domain),
			Suggestion: "Provide a domain such as 'corp.example.com'.",
		}
	}
	return nil
}

// validateCustomizationSyntax covers the checks that need no management-plane
// round trip. Compatibility with the template's OS family is checked later,
// once the template is resolved.
func validateCustomizationSyntax(req *api.CreateVMRequest) *api.Error {
	if err := validateIPField("ip_address", req.IPAddress); err != nil {
		return err
	}
	if err := validateIPField("subnet_mask", req.SubnetMask); err != nil {
		return err
	}
	if err := validateIPField("gateway", req.Gateway); err != nil {
		return err
	}
	for _, dns := range req.DNSServers {
		if err := validateIPField("dns_servers", dns); err != nil {
			return err
		}
	}
	if err := validateHostname(req.Hostname); err != nil {
		return err
	}
	return validateDomain(req.Domain)
}

// ValidateCreate runs the createVMFromTemplate validation chain. It returns
// the first failure only; the caller fixes one field and retries.
func ValidateCreate(req *api.CreateVMRequest) *api.Error {
	checks := []func() *api.Error{
		func() *api.Error { return validateVMName(req.VMName) },
		func() *api.Error { return validateTemplateName(req.TemplateName) },
		func() *api.Error { return validateClusterName(req.ClusterName) },
		func() *api.Error { return validateCPU(req.CPU) },
		func() *api.Error { return validateMemoryMB(req.MemoryMB) },
		func() *api.Error { return validateCustomizationSyntax(req) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateReconfigure runs the reconfigureVM validation chain.
func ValidateReconfigure(req *api.ReconfigureRequest) *api.Error {
	checks := []func() *api.Error{
		func() *api.Error { return validateVMName(req.VMName) },
		func() *api.Error { return validateCPU(req.CPU) },
		func() *api.Error { return validateMemoryMB(req.MemoryMB) },
		func() *api.Error { return validateDiskSizeGB(req.DiskSizeGB) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	if req.CPU == nil && req.MemoryMB == nil && req.DiskSizeGB == nil && req.NetworkName == "" {
		return &api.Error{
			Type:       api.ErrorTypeMissingParameter,
			Message:    "no configuration changes specified",
			Suggestion: "Provide at least one of cpu, memory_mb, disk_size_gb or network_name.",
		}
	}
	return nil
}
