package provision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
)

func int32Ptr(v int32) *int32 { return &v }
func int64Ptr(v int64) *int64 { return &v }

func validCreateRequest() api.CreateVMRequest {
	return api.CreateVMRequest{
		VMName:       "web-server-01",
		TemplateName: "rhel9-template",
		ClusterName:  "Cluster01",
	}
}

func TestValidateCreate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*api.CreateVMRequest)
		wantType      api.ErrorType
		wantParameter string
	}{
		{
			name:   "minimal valid request",
			mutate: func(r *api.CreateVMRequest) {},
		},
		{
			name: "fully customized valid request",
			mutate: func(r *api.CreateVMRequest) {
				r.CPU = int32Ptr(4)
				r.MemoryMB = int64Ptr(8192)
				r.IPAddress = "10.0.0.10"
				r.SubnetMask = "255.255.255.0"
				r.Gateway = "10.0.0.1"
				r.DNSServers = []string{"10.0.0.2", "10.0.0.3"}
				r.Hostname = "web-server-01"
				r.Domain = "corp.example.com"
				r.Password = "s3cret"
			},
		},
		{
			name:          "missing vm_name",
			mutate:        func(r *api.CreateVMRequest) { r.VMName = "" },
			wantType:      api.ErrorTypeMissingParameter,
			wantParameter: "vm_name",
		},
		{
			name:          "vm_name too short",
			mutate:        func(r *api.CreateVMRequest) { r.VMName = "ab" },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "vm_name",
		},
		{
			name:          "vm_name too long",
			mutate:        func(r *api.CreateVMRequest) { r.VMName = strings.Repeat("a", 81) },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "vm_name",
		},
		{
			name:          "vm_name with invalid characters",
			mutate:        func(r *api.CreateVMRequest) { r.VMName = "web server!" },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "vm_name",
		},
		{
			name:          "missing template_name",
			mutate:        func(r *api.CreateVMRequest) { r.TemplateName = "" },
			wantType:      api.ErrorTypeMissingParameter,
			wantParameter: "template_name",
		},
		{
			name:          "missing cluster_name",
			mutate:        func(r *api.CreateVMRequest) { r.ClusterName = "" },
			wantType:      api.ErrorTypeMissingParameter,
			wantParameter: "cluster_name",
		},
		{
			name:          "cpu below range",
			mutate:        func(r *api.CreateVMRequest) { r.CPU = int32Ptr(0) },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "cpu",
		},
		{
			name:          "cpu above range",
			mutate:        func(r *api.CreateVMRequest) { r.CPU = int32Ptr(129) },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "cpu",
		},
		{
			name:   "cpu at boundaries",
			mutate: func(r *api.CreateVMRequest) { r.CPU = int32Ptr(128) },
		},
		{
			name:          "memory below range",
			mutate:        func(r *api.CreateVMRequest) { r.MemoryMB = int64Ptr(256) },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "memory_mb",
		},
		{
			name:          "memory above range",
			mutate:        func(r *api.CreateVMRequest) { r.MemoryMB = int64Ptr(1048577) },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "memory_mb",
		},
		{
			name:          "malformed ip_address",
			mutate:        func(r *api.CreateVMRequest) { r.IPAddress = "10.0.0.300" },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "ip_address",
		},
		{
			name:          "malformed gateway",
			mutate:        func(r *api.CreateVMRequest) { r.Gateway = "not-an-ip" },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "gateway",
		},
		{
			name:          "malformed dns server",
			mutate:        func(r *api.CreateVMRequest) { r.DNSServers = []string{"10.0.0.2", "bad"} },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "dns_servers",
		},
		{
			name:          "malformed hostname",
			mutate:        func(r *api.CreateVMRequest) { r.Hostname = "-leading-hyphen" },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "hostname",
		},
		{
			name:          "malformed domain",
			mutate:        func(r *api.CreateVMRequest) { r.Domain = "not_a_domain" },
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "domain",
		},
		{
			// Missing outranks invalid: a request failing both ways reports
			// the missing field first.
			name: "missing vm_name outranks invalid cpu",
			mutate: func(r *api.CreateVMRequest) {
				r.VMName = ""
				r.CPU = int32Ptr(0)
			},
			wantType:      api.ErrorTypeMissingParameter,
			wantParameter: "vm_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.mutate(&req)

			err := ValidateCreate(&req)
			if tt.wantType == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantParameter, err.Parameter)
			assert.NotEmpty(t, err.Message)
			assert.NotEmpty(t, err.Suggestion)
		})
	}
}

func TestValidateVMNameCountsRunes(t *testing.T) {
	// Two characters in six bytes: the length message must report 2.
	err := validateVMName("日本")
	require.NotNil(t, err)
	assert.Equal(t, api.ErrorTypeInvalidParameter, err.Type)
	assert.Equal(t, "vm_name", err.Parameter)
	assert.Contains(t, err.Message, "got 2")

	// Three characters pass the length bound and fail on charset instead.
	err = validateVMName("日本語")
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "invalid characters")
}

func TestValidateCreateReturnsSingleError(t *testing.T) {
	// Everything wrong at once still yields exactly one error, the first in
	// chain order.
	req := api.CreateVMRequest{
		VMName:    "x",
		CPU:       int32Ptr(0),
		MemoryMB:  int64Ptr(1),
		IPAddress: "bad",
	}
	err := ValidateCreate(&req)
	require.NotNil(t, err)
	assert.Equal(t, "vm_name", err.Parameter)
}

func TestValidateReconfigure(t *testing.T) {
	tests := []struct {
		name          string
		req           api.ReconfigureRequest
		wantType      api.ErrorType
		wantParameter string
	}{
		{
			name: "cpu only",
			req:  api.ReconfigureRequest{VMName: "web-server-01", CPU: int32Ptr(8)},
		},
		{
			name: "network only",
			req:  api.ReconfigureRequest{VMName: "web-server-01", NetworkName: "VM Network"},
		},
		{
			name:          "missing vm_name",
			req:           api.ReconfigureRequest{CPU: int32Ptr(8)},
			wantType:      api.ErrorTypeMissingParameter,
			wantParameter: "vm_name",
		},
		{
			name:     "no changes requested",
			req:      api.ReconfigureRequest{VMName: "web-server-01"},
			wantType: api.ErrorTypeMissingParameter,
		},
		{
			name:          "disk size zero",
			req:           api.ReconfigureRequest{VMName: "web-server-01", DiskSizeGB: int64Ptr(0)},
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "disk_size_gb",
		},
		{
			name:          "disk size negative",
			req:           api.ReconfigureRequest{VMName: "web-server-01", DiskSizeGB: int64Ptr(-10)},
			wantType:      api.ErrorTypeInvalidParameter,
			wantParameter: "disk_size_gb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReconfigure(&tt.req)
			if tt.wantType == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantParameter, err.Parameter)
		})
	}
}
