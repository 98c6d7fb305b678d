package router

import (
	"net/http"
)

// Register wires every workflow endpoint onto the mux. healthCheck backs the
// liveness endpoint.
func Register(mux *http.ServeMux, ir *InstanceRouter, tr *TaskRouter, sr *SubdivisionRouter, healthCheck func() error) {
	mux.HandleFunc("POST /api/workflows/execute", ir.HandleExecuteWorkflow)
	mux.HandleFunc("GET /api/workflows/instances/{instanceID}", ir.HandleGetInstance)
	mux.HandleFunc("POST /api/workflows/instances/{instanceID}/cancel", ir.HandleCancelInstance)
	// The literal "bases" segment keeps this pattern disjoint from the
	// instance-detail route above.
	mux.HandleFunc("GET /api/workflows/bases/{workflowBaseID}/instances", ir.HandleListInstances)
	mux.HandleFunc("POST /api/workflows/{workflowBaseID}/adopt", sr.HandleAdoptSubdivision)

	mux.HandleFunc("GET /api/tasks/my", tr.HandleListMyTasks)
	mux.HandleFunc("GET /api/tasks/{taskID}", tr.HandleGetTask)
	mux.HandleFunc("POST /api/tasks/{taskID}/start", tr.HandleStartTask)
	mux.HandleFunc("POST /api/tasks/{taskID}/submit", tr.HandleSubmitTask)
	mux.HandleFunc("POST /api/tasks/{taskID}/pause", tr.HandlePauseTask)
	mux.HandleFunc("POST /api/tasks/{taskID}/reject", tr.HandleRejectTask)
	mux.HandleFunc("POST /api/tasks/{taskID}/cancel", tr.HandleCancelTask)
	mux.HandleFunc("POST /api/tasks/{taskID}/help", tr.HandleRequestHelp)
	mux.HandleFunc("POST /api/tasks/{taskID}/attachments", tr.HandleUploadAttachment)
	mux.HandleFunc("GET /api/artifacts/{key...}", tr.HandleDownloadArtifact)

	mux.HandleFunc("POST /api/tasks/{taskID}/subdivisions", sr.HandleCreateSubdivision)
	mux.HandleFunc("GET /api/tasks/{taskID}/subdivisions", sr.HandleListSubdivisions)
	mux.HandleFunc("POST /api/tasks/{taskID}/subdivisions/cleanup", sr.HandleCleanupSubdivisions)
	mux.HandleFunc("POST /api/subdivisions/{subdivisionID}/select", sr.HandleSelectSubdivision)
	mux.HandleFunc("GET /api/subdivisions/{subdivisionID}/hierarchy", sr.HandleGetHierarchy)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{
				Message: "unhealthy: " + err.Error(),
				Code:    "transient",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
