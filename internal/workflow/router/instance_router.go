package router

import (
	"encoding/json"
	"net/http"

	"github.com/openweave/weave/internal/workflow/engine"
	"github.com/openweave/weave/internal/workflow/model"
)

type InstanceRouter struct {
	engine *engine.Engine
}

func NewInstanceRouter(eng *engine.Engine) *InstanceRouter {
	return &InstanceRouter{engine: eng}
}

// HandleExecuteWorkflow handles POST /api/workflows/execute
// Request body: ExecuteWorkflowDTO
func (ir *InstanceRouter) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.ExecuteWorkflowDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	instance, err := ir.engine.StartInstance(r.Context(), &req, user.UserID, &user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

// HandleGetInstance handles GET /api/workflows/instances/{instanceID}
func (ir *InstanceRouter) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := pathUUID(w, r, "instanceID")
	if !ok {
		return
	}

	detail, err := ir.engine.GetInstanceDetail(r.Context(), instanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleListInstances handles GET /api/workflows/bases/{workflowBaseID}/instances
func (ir *InstanceRouter) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	baseID, ok := pathUUID(w, r, "workflowBaseID")
	if !ok {
		return
	}

	instances, err := ir.engine.ListInstances(r.Context(), baseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// HandleCancelInstance handles POST /api/workflows/instances/{instanceID}/cancel
// Request body: TaskActionDTO (optional reason)
func (ir *InstanceRouter) HandleCancelInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	instanceID, ok := pathUUID(w, r, "instanceID")
	if !ok {
		return
	}

	var req model.TaskActionDTO
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
	}

	result, err := ir.engine.CancelInstance(r.Context(), instanceID, user.UserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
