package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/artifacts"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/service"
	"github.com/openweave/weave/utils"
)

type TaskRouter struct {
	ts        *service.TaskService
	artifacts *artifacts.Service
}

func NewTaskRouter(ts *service.TaskService, artifactSvc *artifacts.Service) *TaskRouter {
	return &TaskRouter{ts: ts, artifacts: artifactSvc}
}

// HandleListMyTasks handles GET /api/tasks/my
// Optional query params: status, offset, limit
func (tr *TaskRouter) HandleListMyTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var status *model.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.TaskStatus(raw)
		status = &s
	}

	var offsetPtr, limitPtr *int
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid 'offset' query parameter, must be an integer")
			return
		}
		offsetPtr = &offset
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid 'limit' query parameter, must be an integer")
			return
		}
		limitPtr = &limit
	}
	offset, limit := utils.GetPaginationParams(offsetPtr, limitPtr)

	tasks, err := tr.ts.ListUserTasks(r.Context(), user.UserID, status, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// HandleGetTask handles GET /api/tasks/{taskID}
func (tr *TaskRouter) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	detail, err := tr.ts.GetTaskDetails(r.Context(), taskID, user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleStartTask handles POST /api/tasks/{taskID}/start
func (tr *TaskRouter) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	task, err := tr.ts.Start(r.Context(), taskID, user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleSubmitTask handles POST /api/tasks/{taskID}/submit
// Request body: SubmitTaskDTO. Oversized result payloads move to artifact
// storage and the task keeps a reference.
func (tr *TaskRouter) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	var req model.SubmitTaskDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	resultData := req.ResultData
	if tr.artifacts != nil && len(resultData) > 0 {
		spilled, _, err := tr.artifacts.SpillResult(r.Context(), taskID, resultData)
		if err != nil {
			writeError(w, err)
			return
		}
		resultData = spilled
	}

	task, err := tr.ts.Submit(r.Context(), taskID, user.UserID, resultData, req.ResultSummary)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// withReason runs a pause/reject/cancel style action that takes an optional
// reason from the request body.
func (tr *TaskRouter) withReason(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, taskID, userID uuid.UUID, reason string) (*model.TaskInstance, error)) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	var req model.TaskActionDTO
	_ = json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()

	task, err := action(r.Context(), taskID, user.UserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandlePauseTask handles POST /api/tasks/{taskID}/pause
func (tr *TaskRouter) HandlePauseTask(w http.ResponseWriter, r *http.Request) {
	tr.withReason(w, r, tr.ts.Pause)
}

// HandleRejectTask handles POST /api/tasks/{taskID}/reject
func (tr *TaskRouter) HandleRejectTask(w http.ResponseWriter, r *http.Request) {
	tr.withReason(w, r, tr.ts.Reject)
}

// HandleCancelTask handles POST /api/tasks/{taskID}/cancel
func (tr *TaskRouter) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	tr.withReason(w, r, tr.ts.Cancel)
}

// HandleRequestHelp handles POST /api/tasks/{taskID}/help
func (tr *TaskRouter) HandleRequestHelp(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	var req model.TaskActionDTO
	_ = json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()

	if err := tr.ts.RequestHelp(r.Context(), taskID, user.UserID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUploadAttachment handles POST /api/tasks/{taskID}/attachments
// Multipart form with a "file" field, max 32MB in memory.
func (tr *TaskRouter) HandleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeBadRequest(w, "failed to parse form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file is required")
		return
	}
	defer file.Close()

	artifact, err := tr.artifacts.StoreAttachment(r.Context(), taskID,
		header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

// HandleDownloadArtifact handles GET /api/artifacts/{key...}
func (tr *TaskRouter) HandleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	key := r.PathValue("key")
	if key == "" {
		writeBadRequest(w, "missing artifact key in path")
		return
	}

	reader, contentType, err := tr.artifacts.Open(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentType)
	_, _ = io.Copy(w, reader)
}
