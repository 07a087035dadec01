// Package v1alpha1 exposes each provisioning and inventory action as an HTTP
// endpoint. Every response body is a uniform result envelope; action failures
// travel in-band as structured errors, so handlers answer 200 unless the
// request body itself cannot be decoded.
package v1alpha1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	api "github.com/virtops/vsphere-actions/api/v1alpha1"
	"github.com/virtops/vsphere-actions/internal/provision"
	"github.com/virtops/vsphere-actions/internal/vsphere"
	"github.com/virtops/vsphere-actions/pkg/metrics"
	"github.com/virtops/vsphere-actions/pkg/requestid"
)

type ActionHandler struct {
	provisioner *provision.Service
	inventory   *vsphere.Inventory
}

func NewActionHandler(provisioner *provision.Service, inventory *vsphere.Inventory) *ActionHandler {
	return &ActionHandler{provisioner: provisioner, inventory: inventory}
}

// RegisterRoutes mounts one POST route per callable action.
func (h *ActionHandler) RegisterRoutes(router chi.Router) {
	router.Post("/actions/createVMFromTemplate", h.createVMFromTemplate)
	router.Post("/actions/reconfigureVM", h.reconfigureVM)
	router.Post("/actions/describeTemplates", h.describeTemplates)
	router.Post("/actions/describeHosts", h.describeHosts)
	router.Post("/actions/describeClusters", h.describeClusters)
	router.Post("/actions/describeFolders", h.describeFolders)
	router.Post("/actions/describeResourcePools", h.describeResourcePools)
	router.Post("/actions/describeNetworks", h.describeNetworks)
	router.Post("/actions/describeVMs", h.describeVMs)
	router.Post("/actions/getVMPowerState", h.getVMPowerState)
}

type resultResponse struct {
	api.Result
}

func (resultResponse) Render(http.ResponseWriter, *http.Request) error { return nil }

func respond(w http.ResponseWriter, r *http.Request, result api.Result) {
	if result.RequestID == "" {
		result.RequestID = requestid.FromContext(r.Context())
	}
	if err := render.Render(w, r, resultResponse{result}); err != nil {
		zap.S().Named("handlers").Warnw("failed to write response", "error", err)
	}
}

// decode parses an optional JSON body. An empty body is a request with no
// parameters, not an error.
func decode(r *http.Request, dst any) *api.Error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return &api.Error{
			Type:       api.ErrorTypeInvalidParameter,
			Message:    "request body is not valid JSON: " + err.Error(),
			Suggestion: "Send the action parameters as a JSON object.",
		}
	}
	return nil
}

func (h *ActionHandler) createVMFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateVMRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, api.Failed(err))
		return
	}
	respond(w, r, h.provisioner.CreateFromTemplate(r.Context(), req))
}

func (h *ActionHandler) reconfigureVM(w http.ResponseWriter, r *http.Request) {
	var req api.ReconfigureRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, api.Failed(err))
		return
	}
	respond(w, r, h.provisioner.Reconfigure(r.Context(), req))
}

// describeRequest carries the optional filters shared by the describe
// actions.
type describeRequest struct {
	ClusterName string `json:"cluster_name,omitempty"`
	VMName      string `json:"vm_name,omitempty"`
}

// describe runs one read-only inventory listing and wraps the outcome in the
// uniform envelope.
func (h *ActionHandler) describe(w http.ResponseWriter, r *http.Request, action string, list func(ctx context.Context, req describeRequest) (any, error)) {
	var req describeRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, finishAction(action, api.Failed(err)))
		return
	}

	data, err := list(r.Context(), req)
	if err != nil {
		respond(w, r, finishAction(action, api.Failed(provision.Translate(err, actionOperation(action)))))
		return
	}
	respond(w, r, finishAction(action, api.OK(data)))
}

// actionOperation derives the translator's operation context from the action
// name, so not-found classification points at the right parameter.
func actionOperation(action string) string {
	switch action {
	case "describeTemplates":
		return "describe_template"
	case "describeClusters", "describeHosts", "describeResourcePools":
		return "describe_cluster"
	case "describeNetworks":
		return "describe_network"
	case "describeVMs", "getVMPowerState":
		return "describe_virtual_machine"
	default:
		return action
	}
}

func finishAction(action string, result api.Result) api.Result {
	errType := metrics.ErrorTypeNone
	if !result.Success && result.Err != nil {
		errType = string(result.Err.Type)
	}
	metrics.IncreaseActionResultMetric(action, errType)
	return result
}

func (h *ActionHandler) describeTemplates(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeTemplates", func(ctx context.Context, req describeRequest) (any, error) {
		return h.inventory.Templates(ctx, req.ClusterName)
	})
}

func (h *ActionHandler) describeHosts(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeHosts", func(ctx context.Context, req describeRequest) (any, error) {
		return h.inventory.Hosts(ctx, req.ClusterName)
	})
}

func (h *ActionHandler) describeClusters(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeClusters", func(ctx context.Context, _ describeRequest) (any, error) {
		return h.inventory.Clusters(ctx)
	})
}

func (h *ActionHandler) describeFolders(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeFolders", func(ctx context.Context, _ describeRequest) (any, error) {
		return h.inventory.Folders(ctx)
	})
}

func (h *ActionHandler) describeResourcePools(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeResourcePools", func(ctx context.Context, req describeRequest) (any, error) {
		return h.inventory.ResourcePools(ctx, req.ClusterName)
	})
}

func (h *ActionHandler) describeNetworks(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeNetworks", func(ctx context.Context, _ describeRequest) (any, error) {
		return h.inventory.Networks(ctx)
	})
}

func (h *ActionHandler) describeVMs(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, "describeVMs", func(ctx context.Context, req describeRequest) (any, error) {
		return h.inventory.VirtualMachines(ctx, req.ClusterName, req.VMName)
	})
}

func (h *ActionHandler) getVMPowerState(w http.ResponseWriter, r *http.Request) {
	var req describeRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, finishAction("getVMPowerState", api.Failed(err)))
		return
	}
	if req.VMName == "" {
		respond(w, r, finishAction("getVMPowerState", api.Failed(&api.Error{
			Type:       api.ErrorTypeMissingParameter,
			Parameter:  "vm_name",
			Message:    "required parameter missing: vm_name",
			Suggestion: "Provide the name of the VM to query.",
		})))
		return
	}

	state, err := h.inventory.PowerState(r.Context(), req.VMName)
	if err != nil {
		respond(w, r, finishAction("getVMPowerState", api.Failed(provision.Translate(err, "describe_virtual_machine"))))
		return
	}
	respond(w, r, finishAction("getVMPowerState", api.OK(state)))
}
