package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
	"github.com/virtops/vsphere-actions/internal/vsphere"
)

// Related-action hints attached to structured errors so an automated caller
// can recover without a human in the loop.
var (
	relatedDescribeTemplates = api.RelatedAction{
		Action:        "describeTemplates",
		Reason:        "list available VM templates",
		ExampleParams: map[string]string{"cluster_name": "Cluster01"},
	}
	relatedDescribeClusters = api.RelatedAction{
		Action: "describeClusters",
		Reason: "list available clusters",
	}
	relatedDescribeFolders = api.RelatedAction{
		Action: "describeFolders",
		Reason: "list available VM folders",
	}
	relatedDescribeResourcePools = api.RelatedAction{
		Action:        "describeResourcePools",
		Reason:        "list available resource pools",
		ExampleParams: map[string]string{"cluster_name": "Cluster01"},
	}
	relatedDescribeNetworks = api.RelatedAction{
		Action: "describeNetworks",
		Reason: "list available networks",
	}
	relatedDescribeVMs = api.RelatedAction{
		Action:        "describeVMs",
		Reason:        "list virtual machines and check whether the VM exists",
		ExampleParams: map[string]string{"vm_name": "web-server-01"},
	}
	relatedGetVMPowerState = api.RelatedAction{
		Action:        "getVMPowerState",
		Reason:        "check the VM's current power state",
		ExampleParams: map[string]string{"vm_name": "web-server-01"},
	}
)

// notFoundHints maps a resolver kind to the offending parameter and the
// action that lists valid values for it.
var notFoundHints = map[string]struct {
	parameter string
	related   api.RelatedAction
}{
	"template":        {"template_name", relatedDescribeTemplates},
	"cluster":         {"cluster_name", relatedDescribeClusters},
	"folder":          {"folder_name", relatedDescribeFolders},
	"resource pool":   {"resource_pool_name", relatedDescribeResourcePools},
	"network":         {"network_name", relatedDescribeNetworks},
	"virtual machine": {"vm_name", relatedDescribeVMs},
}

// textRule classifies an unstructured failure message by substring. Rules are
// evaluated in order and the first match wins, so specific matchers must stay
// above generic ones. Upstream message text is not a stable contract; this
// table is best effort and structured faults are preferred when present.
type textRule struct {
	substrings []string
	build      func(message, operation string) *api.Error
}

var textRules = []textRule{
	{
		substrings: []string{"connection", "timed out", "timeout", "no route to host", "econnrefused"},
		build: func(message, _ string) *api.Error {
			return &api.Error{
				Type:       api.ErrorTypeConnectionError,
				Message:    fmt.Sprintf("cannot reach vcenter: %s", message),
				Suggestion: "Check the vCenter host address, port and network connectivity.",
			}
		},
	},
	{
		substrings: []string{"permission", "access", "unauthorized", "login failure", "incorrect user name"},
		build: func(message, _ string) *api.Error {
			return &api.Error{
				Type:       api.ErrorTypePermissionDenied,
				Message:    fmt.Sprintf("insufficient privileges: %s", message),
				Suggestion: "Check the configured username, password and vCenter role permissions.",
			}
		},
	},
	{
		substrings: []string{"not found", "not exist", "no such"},
		build:      buildNotFound,
	},
	{
		substrings: []string{"insufficient", "quota", "capacity"},
		build: func(message, _ string) *api.Error {
			return &api.Error{
				Type:           api.ErrorTypeQuotaExceeded,
				Message:        fmt.Sprintf("not enough resources: %s", message),
				Suggestion:     "Check host resource usage, or pick another host or cluster.",
				RelatedActions: []api.RelatedAction{relatedDescribeClusters},
			}
		},
	},
	{
		substrings: []string{"duplicate", "conflict", "already exists"},
		build: func(message, _ string) *api.Error {
			return &api.Error{
				Type:       api.ErrorTypeInvalidParameter,
				Parameter:  "vm_name",
				Message:    fmt.Sprintf("the name is already in use: %s", message),
				Suggestion: "Choose a different vm_name.",
			}
		},
	},
}

func buildNotFound(message, operation string) *api.Error {
	for kind, hint := range notFoundHints {
		if strings.Contains(operation, strings.ReplaceAll(kind, " ", "_")) {
			return &api.Error{
				Type:           api.ErrorTypeResourceNotFound,
				Parameter:      hint.parameter,
				Message:        fmt.Sprintf("resource not found: %s", message),
				Suggestion:     fmt.Sprintf("Check %s with %s.", hint.parameter, hint.related.Action),
				RelatedActions: []api.RelatedAction{hint.related},
			}
		}
	}
	return &api.Error{
		Type:       api.ErrorTypeResourceNotFound,
		Message:    fmt.Sprintf("resource not found: %s", message),
		Suggestion: "Verify the referenced names with the describe* actions.",
	}
}

// Translate converts any failure into a structured error. It never panics and
// never returns nil: unknown failures become API_ERROR, nil input becomes an
// API_ERROR describing the translation gap itself.
func Translate(err error, operation string) *api.Error {
	if err == nil {
		return &api.Error{
			Type:       api.ErrorTypeAPIError,
			Message:    fmt.Sprintf("operation %q failed without failure detail", operation),
			Suggestion: "Retry the operation; report this if it persists.",
		}
	}

	// Already-structured errors pass through untouched.
	var structured *api.Error
	if errors.As(err, &structured) {
		return structured
	}

	// Local resolution failures carry the kind of object that was missing.
	var notFound *vsphere.NotFoundError
	if errors.As(err, &notFound) {
		if hint, ok := notFoundHints[notFound.Kind]; ok {
			return &api.Error{
				Type:           api.ErrorTypeResourceNotFound,
				Parameter:      hint.parameter,
				Message:        notFound.Error(),
				Suggestion:     fmt.Sprintf("Check %s with %s.", hint.parameter, hint.related.Action),
				RelatedActions: []api.RelatedAction{hint.related},
			}
		}
		return buildNotFound(notFound.Error(), operation)
	}

	// Prefer the structured fault when the transport carried one.
	if soap.IsSoapFault(err) {
		if detail := soap.ToSoapFault(err).Detail.Fault; detail != nil {
			if translated := translateFaultDetail(detail, err.Error(), operation); translated != nil {
				return translated
			}
		}
	}
	if soap.IsVimFault(err) {
		if translated := translateFaultDetail(soap.ToVimFault(err), err.Error(), operation); translated != nil {
			return translated
		}
	}

	return translateText(err.Error(), operation)
}

// TranslateFault converts a task failure into a structured error. The fault
// arrives verbatim from the task tracker.
func TranslateFault(fault *types.LocalizedMethodFault, operation string) *api.Error {
	if fault == nil {
		return Translate(nil, operation)
	}
	message := fault.LocalizedMessage
	if message == "" {
		message = fmt.Sprintf("task failed during %s", operation)
	}
	if translated := translateFaultDetail(fault.Fault, message, operation); translated != nil {
		return translated
	}
	return translateText(message, operation)
}

// translateFaultDetail classifies well-known vim fault types. It returns nil
// when the fault is not one the taxonomy recognizes directly, leaving the
// text rules as a fallback.
func translateFaultDetail(fault types.AnyType, message, operation string) *api.Error {
	switch f := fault.(type) {
	case *types.DuplicateName:
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Parameter:  "vm_name",
			Message:    fmt.Sprintf("the name %q is already in use", f.Name),
			Suggestion: "Choose a different vm_name.",
		}
	case *types.InvalidLogin:
		return &api.Error{
			Type:       api.ErrorTypePermissionDenied,
			Message:    "vcenter rejected the configured credentials",
			Suggestion: "Check VSPHERE_USERNAME and VSPHERE_PASSWORD.",
		}
	case *types.NoPermission:
		detail := "missing privilege on the target object"
		if f.Object != nil {
			detail = fmt.Sprintf("missing privilege on %s %s", f.Object.Type, f.Object.Value)
		}
		return &api.Error{
			Type:       api.ErrorTypePermissionDenied,
			Message:    detail,
			Suggestion: "Grant the required privilege to the configured vCenter role.",
		}
	case *types.InsufficientResourcesFault:
		return &api.Error{
			Type:           api.ErrorTypeQuotaExceeded,
			Message:        fmt.Sprintf("not enough resources: %s", message),
			Suggestion:     "Check host resource usage, or pick another host or cluster.",
			RelatedActions: []api.RelatedAction{relatedDescribeClusters},
		}
	case *types.ManagedObjectNotFound:
		return buildNotFound(fmt.Sprintf("%s %s no longer exists", f.Obj.Type, f.Obj.Value), operation)
	case *types.NotFound:
		return buildNotFound(message, operation)
	case *types.CustomizationFault:
		return &api.Error{
			Type:       api.ErrorTypeDependencyMissing,
			Message:    fmt.Sprintf("guest customization failed: %s", message),
			Suggestion: "Check that VMware Tools is installed in the template and the guest OS supports customization.",
		}
	default:
		return nil
	}
}

func translateText(message, operation string) *api.Error {
	lowered := strings.ToLower(message)
	for _, rule := range textRules {
		for _, substring := range rule.substrings {
			if strings.Contains(lowered, substring) {
				return rule.build(message, operation)
			}
		}
	}
	return &api.Error{
		Type:       api.ErrorTypeAPIError,
		Message:    fmt.Sprintf("vsphere operation failed: %s", message),
		Suggestion: "Check the request parameters, or retry later.",
	}
}
