package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/subdivision"
)

type SubdivisionRouter struct {
	subs *subdivision.Service
}

func NewSubdivisionRouter(subs *subdivision.Service) *SubdivisionRouter {
	return &SubdivisionRouter{subs: subs}
}

// HandleCreateSubdivision handles POST /api/tasks/{taskID}/subdivisions
// Request body: SubdivideTaskDTO
func (sr *SubdivisionRouter) HandleCreateSubdivision(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	var req model.SubdivideTaskDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	subdivisionRow, err := sr.subs.Create(r.Context(), taskID, user.UserID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subdivisionRow)
}

// HandleListSubdivisions handles GET /api/tasks/{taskID}/subdivisions
// Optional query param: withInstancesOnly
func (sr *SubdivisionRouter) HandleListSubdivisions(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	withInstancesOnly := r.URL.Query().Get("withInstancesOnly") == "true"
	subdivisions, err := sr.subs.List(r.Context(), taskID, withInstancesOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subdivisions)
}

// HandleCleanupSubdivisions handles POST /api/tasks/{taskID}/subdivisions/cleanup
// Optional query param: keep (default 0)
func (sr *SubdivisionRouter) HandleCleanupSubdivisions(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	keep := 0
	if raw := r.URL.Query().Get("keep"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid 'keep' query parameter, must be an integer")
			return
		}
		keep = parsed
	}

	deleted, err := sr.subs.CleanupUnselected(r.Context(), taskID, keep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// HandleSelectSubdivision handles POST /api/subdivisions/{subdivisionID}/select
func (sr *SubdivisionRouter) HandleSelectSubdivision(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	subdivisionID, ok := pathUUID(w, r, "subdivisionID")
	if !ok {
		return
	}

	subdivisionRow, err := sr.subs.Select(r.Context(), subdivisionID, user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subdivisionRow)
}

// HandleGetHierarchy handles GET /api/subdivisions/{subdivisionID}/hierarchy
func (sr *SubdivisionRouter) HandleGetHierarchy(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	subdivisionID, ok := pathUUID(w, r, "subdivisionID")
	if !ok {
		return
	}

	hierarchy, err := sr.subs.Hierarchy(r.Context(), subdivisionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hierarchy)
}

// HandleAdoptSubdivision handles POST /api/workflows/{workflowBaseID}/adopt
// Request body: AdoptSubdivisionDTO
func (sr *SubdivisionRouter) HandleAdoptSubdivision(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	workflowBaseID, ok := pathUUID(w, r, "workflowBaseID")
	if !ok {
		return
	}

	var req model.AdoptSubdivisionDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	adoption, versionCopy, err := sr.subs.Adopt(r.Context(), user.UserID, workflowBaseID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"adoption":    adoption,
		"newWorkflow": versionCopy.Workflow,
	})
}
