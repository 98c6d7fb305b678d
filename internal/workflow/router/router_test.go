package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/auth"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/repo"
	"github.com/openweave/weave/internal/workflow/subdivision"
)

type stubTasks struct {
	task *model.TaskInstance
}

func (s *stubTasks) GetByID(ctx context.Context, taskID uuid.UUID) (*model.TaskInstance, error) {
	if s.task == nil || s.task.ID != taskID {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	return s.task, nil
}

type stubSubStore struct {
	subdivision.Store
	rows map[uuid.UUID]*model.Subdivision
}

func (s *stubSubStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Subdivision, error) {
	row, ok := s.rows[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "subdivision %s not found", id)
	}
	return row, nil
}

func (s *stubSubStore) Select(ctx context.Context, id uuid.UUID) (*model.Subdivision, error) {
	row, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	selected := *row
	selected.IsSelected = true
	return &selected, nil
}

func (s *stubSubStore) GetByTaskID(ctx context.Context, taskID uuid.UUID, withInstancesOnly bool) ([]model.Subdivision, error) {
	var out []model.Subdivision
	for _, row := range s.rows {
		if row.OriginalTaskID == taskID {
			out = append(out, *row)
		}
	}
	return out, nil
}

type stubDefinitions struct{}

func (stubDefinitions) CreateDefinition(ctx context.Context, req *model.CreateWorkflowDTO, createdBy uuid.UUID) (*model.Workflow, map[string]uuid.UUID, error) {
	return nil, nil, errors.New("not implemented")
}
func (stubDefinitions) CreateNewVersion(ctx context.Context, baseID uuid.UUID, changeNote string, createdBy uuid.UUID, mutate repo.MutateVersionFunc) (*repo.VersionCopy, error) {
	return nil, errors.New("not implemented")
}
func (stubDefinitions) GetCurrentVersion(ctx context.Context, baseID uuid.UUID) (*model.Workflow, error) {
	return nil, errors.New("not implemented")
}
func (stubDefinitions) GetNodes(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error) {
	return nil, errors.New("not implemented")
}
func (stubDefinitions) GetEdges(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error) {
	return nil, errors.New("not implemented")
}
func (stubDefinitions) GetBindings(ctx context.Context, workflowID uuid.UUID) ([]model.NodeProcessor, error) {
	return nil, errors.New("not implemented")
}

type stubStarter struct{}

func (stubStarter) StartInstance(ctx context.Context, req *model.ExecuteWorkflowDTO, executorID uuid.UUID, triggerUserID *uuid.UUID) (*model.WorkflowInstance, error) {
	return nil, errors.New("not implemented")
}

type stubDeleter struct{}

func (stubDeleter) CascadeDelete(ctx context.Context, baseID uuid.UUID, hard bool) (*repo.CascadeDeleteReport, error) {
	return &repo.CascadeDeleteReport{WorkflowBaseID: baseID, Hard: hard}, nil
}

func testServer(t *testing.T, subs *subdivision.Service, healthErr error) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	sr := NewSubdivisionRouter(subs)
	ir := NewInstanceRouter(nil)
	tr := NewTaskRouter(nil, nil)
	Register(mux, ir, tr, sr, func() error { return healthErr })
	return auth.Middleware()(mux)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		handler := testServer(t, nil, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("unhealthy", func(t *testing.T) {
		handler := testServer(t, nil, errors.New("db down"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestSubdivisionEndpoints(t *testing.T) {
	userID := uuid.New()
	task := &model.TaskInstance{Status: model.TaskStatusInProgress, AssignedUserID: &userID}
	task.ID = uuid.New()
	row := &model.Subdivision{OriginalTaskID: task.ID, Name: "approach A"}
	row.ID = uuid.New()

	store := &stubSubStore{rows: map[uuid.UUID]*model.Subdivision{row.ID: row}}
	subs := subdivision.NewService(&stubTasks{task: task}, store, stubDefinitions{}, stubStarter{}, stubDeleter{})
	handler := testServer(t, subs, nil)

	t.Run("requires authentication", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/subdivisions/"+row.ID.String()+"/select", nil)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects malformed id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/subdivisions/not-a-uuid/select", nil)
		req.Header.Set("X-User-ID", userID.String())
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("selects subdivision", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/subdivisions/"+row.ID.String()+"/select", nil)
		req.Header.Set("X-User-ID", userID.String())
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"isSelected":true`)
	})

	t.Run("maps not found to 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/subdivisions/"+uuid.NewString()+"/select", nil)
		req.Header.Set("X-User-ID", userID.String())
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"not_found"`)
	})

	t.Run("lists by task", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID.String()+"/subdivisions", nil)
		req.Header.Set("X-User-ID", userID.String())
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "approach A")
	})
}
