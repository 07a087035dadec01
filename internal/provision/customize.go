package provision

import (
	"fmt"
	"strings"

	"github.com/vmware/govmomi/vim25/types"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
)

// OSFamily is the guest OS family a template resolves to. The planner
// switches exhaustively over it; adding a family is a compile-visible
// extension point.
type OSFamily int

const (
	OSFamilyUnknown OSFamily = iota
	OSFamilyWindows
	OSFamilyLinux
)

func (f OSFamily) String() string {
	switch f {
	case OSFamilyWindows:
		return "windows"
	case OSFamilyLinux:
		return "linux"
	default:
		return "unknown"
	}
}

// OSFamilyFromGuestID derives the family from a template's configured guest
// id. vSphere guest ids are stable identifiers ("windows2019srv_64Guest",
// "rhel9_64Guest", ...), so a "win" substring identifies Windows and
// everything else with a guest id is treated as Linux, matching how the
// platform's own customization dispatch behaves.
func OSFamilyFromGuestID(guestID string) OSFamily {
	if guestID == "" {
		return OSFamilyUnknown
	}
	if strings.Contains(strings.ToLower(guestID), "win") {
		return OSFamilyWindows
	}
	return OSFamilyLinux
}

// Customization is the requested in-guest identity, network and credential
// configuration.
type Customization struct {
	IPAddress  string
	SubnetMask string
	Gateway    string
	DNSServers []string
	Hostname   string
	Domain     string
	Password   string
}

// Empty reports whether no customization was requested at all.
func (c Customization) Empty() bool {
	return c.IPAddress == "" && c.SubnetMask == "" && c.Gateway == "" &&
		len(c.DNSServers) == 0 && c.Hostname == "" && c.Domain == "" && c.Password == ""
}

func customizationFromRequest(req *api.CreateVMRequest) Customization {
	return Customization{
		IPAddress:  req.IPAddress,
		SubnetMask: req.SubnetMask,
		Gateway:    req.Gateway,
		DNSServers: req.DNSServers,
		Hostname:   req.Hostname,
		Domain:     req.Domain,
		Password:   req.Password,
	}
}

// CaveatPostBootScript is attached as a non-fatal warning whenever root
// credential injection is deferred to a post-boot script: the script only
// runs if custom-script execution is enabled in the guest, which cannot be
// verified from here.
const CaveatPostBootScript = "post-boot script dependency unverified: root password injection requires guest custom-script execution to be enabled (see enable-custom-scripts in VMware Tools)"

const (
	windowsTimeZone = 210 // GMT+8, matches the environments the templates ship for
	linuxTimeZone   = "Asia/Shanghai"
)

// Plan is the guest customization strategy for one provisioning request.
// Spec is attached to the clone request as-is. Caveat, when set, must be
// surfaced to the caller as a warning next to an otherwise successful result.
type Plan struct {
	Spec   *types.CustomizationSpec
	Caveat string
}

// BuildPlan turns the requested customization into an OS-specific plan.
//
// Windows injects identity and the administrator credential synchronously via
// sysprep metadata. Linux sets identity and network via LinuxPrep but defers
// the root credential to a post-boot script, because LinuxPrep has no native
// credential mechanism. An unknown family cannot do either safely and rejects
// any customization with DEPENDENCY_MISSING.
func BuildPlan(family OSFamily, customization Customization, vmName string) (*Plan, *api.Error) {
	if customization.Empty() {
		return &Plan{}, nil
	}

	hostname := customization.Hostname
	if hostname == "" {
		hostname = vmName
	}

	spec := &types.CustomizationSpec{
		GlobalIPSettings: types.CustomizationGlobalIPSettings{
			DnsServerList: customization.DNSServers,
		},
		NicSettingMap: []types.CustomizationAdapterMapping{nicMapping(customization)},
	}
	if customization.Domain != "" {
		spec.GlobalIPSettings.DnsSuffixList = []string{customization.Domain}
	}

	plan := &Plan{Spec: spec}
	switch family {
	case OSFamilyWindows:
		spec.Identity = windowsIdentity(customization, hostname)
	case OSFamilyLinux:
		spec.Identity = linuxIdentity(customization, hostname)
		if customization.Password != "" {
			plan.Caveat = CaveatPostBootScript
		}
	case OSFamilyUnknown:
		return nil, &api.Error{
			Type:           api.ErrorTypeDependencyMissing,
			Message:        "the template's guest OS family could not be determined, so no customization strategy is safe to apply",
			Suggestion:     "Pick a template with a known guest OS, or drop the customization parameters.",
			RelatedActions: []api.RelatedAction{relatedDescribeTemplates},
		}
	}
	return plan, nil
}

func windowsIdentity(customization Customization, hostname string) *types.CustomizationSysprep {
	identity := &types.CustomizationSysprep{
		GuiUnattended: types.CustomizationGuiUnattended{
			TimeZone:       windowsTimeZone,
			AutoLogon:      true,
			AutoLogonCount: 1,
		},
		UserData: types.CustomizationUserData{
			FullName: "Administrator",
			OrgName:  "Organization",
			ComputerName: &types.CustomizationFixedName{
				Name: hostname,
			},
		},
	}

	if customization.Password != "" {
		identity.GuiUnattended.Password = &types.CustomizationPassword{
			Value:     customization.Password,
			PlainText: true,
		}
	}

	if customization.Domain != "" {
		identity.Identification = types.CustomizationIdentification{
			JoinDomain:  customization.Domain,
			DomainAdmin: "Administrator",
		}
		if customization.Password != "" {
			identity.Identification.DomainAdminPassword = &types.CustomizationPassword{
				Value:     customization.Password,
				PlainText: true,
			}
		}
	} else {
		identity.Identification = types.CustomizationIdentification{
			JoinWorkgroup: "WORKGROUP",
		}
	}
	return identity
}

func linuxIdentity(customization Customization, hostname string) *types.CustomizationLinuxPrep {
	domain := customization.Domain
	if domain == "" {
		domain = "localdomain"
	}

	identity := &types.CustomizationLinuxPrep{
		Domain: domain,
		HostName: &types.CustomizationFixedName{
			Name: hostname,
		},
		HwClockUTC: types.NewBool(true),
		TimeZone:   linuxTimeZone,
	}
	if customization.Password != "" {
		identity.ScriptText = postBootPasswordScript(customization.Password)
	}
	return identity
}

// postBootPasswordScript sets the root password after first boot. It is only
// executed when the guest allows customization scripts.
func postBootPasswordScript(password string) string {
	quoted := strings.ReplaceAll(password, "'", `'\''`)
	return fmt.Sprintf(`#!/bin/sh
if [ "$1" = "postcustomization" ]; then
    echo 'root:%s' | chpasswd
fi
`, quoted)
}

func nicMapping(customization Customization) types.CustomizationAdapterMapping {
	adapter := types.CustomizationIPSettings{}
	if customization.IPAddress != "" {
		adapter.Ip = &types.CustomizationFixedIp{IpAddress: customization.IPAddress}
		adapter.SubnetMask = customization.SubnetMask
		if adapter.SubnetMask == "" {
			adapter.SubnetMask = "255.255.255.0"
		}
		if customization.Gateway != "" {
			adapter.Gateway = []string{customization.Gateway}
		}
	} else {
		adapter.Ip = &types.CustomizationDhcpIpGenerator{}
	}
	return types.CustomizationAdapterMapping{Adapter: adapter}
}
