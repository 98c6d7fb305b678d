package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/agent"
	"github.com/openweave/weave/internal/workflow/depgraph"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/wfcontext"
)

// MockDefinitionStore is a mock implementation of DefinitionStore.
type MockDefinitionStore struct {
	mock.Mock
}

func (m *MockDefinitionStore) GetCurrentVersion(ctx context.Context, baseID uuid.UUID) (*model.Workflow, error) {
	args := m.Called(ctx, baseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Workflow), args.Error(1)
}

func (m *MockDefinitionStore) GetByID(ctx context.Context, workflowID uuid.UUID) (*model.Workflow, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Workflow), args.Error(1)
}

func (m *MockDefinitionStore) GetNodes(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Node), args.Error(1)
}

func (m *MockDefinitionStore) GetNodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error) {
	args := m.Called(ctx, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Node), args.Error(1)
}

func (m *MockDefinitionStore) GetEdges(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Edge), args.Error(1)
}

func (m *MockDefinitionStore) GetBindingsByNodeID(ctx context.Context, nodeID uuid.UUID) ([]model.NodeProcessor, error) {
	args := m.Called(ctx, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NodeProcessor), args.Error(1)
}

// MockProcessorStore is a mock implementation of ProcessorStore.
type MockProcessorStore struct {
	mock.Mock
}

func (m *MockProcessorStore) GetByIDs(ctx context.Context, processorIDs []uuid.UUID) (map[uuid.UUID]model.Processor, error) {
	args := m.Called(ctx, processorIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[uuid.UUID]model.Processor), args.Error(1)
}

// fakeInstanceStore keeps instance and node-instance rows in memory so the
// engine's read-after-write flow behaves like the real repository.
type fakeInstanceStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*model.WorkflowInstance
	nodes     map[uuid.UUID]*model.NodeInstance
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{
		instances: make(map[uuid.UUID]*model.WorkflowInstance),
		nodes:     make(map[uuid.UUID]*model.NodeInstance),
	}
}

func (f *fakeInstanceStore) CreateInstance(_ context.Context, instance *model.WorkflowInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance.ID = uuid.New()
	copied := *instance
	f.instances[instance.ID] = &copied
	return nil
}

func (f *fakeInstanceStore) CreateNodeInstances(_ context.Context, nodeInstances []model.NodeInstance) ([]model.NodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range nodeInstances {
		nodeInstances[i].ID = uuid.New()
		copied := nodeInstances[i]
		f.nodes[copied.ID] = &copied
	}
	return nodeInstances, nil
}

func (f *fakeInstanceStore) GetInstanceByID(_ context.Context, instanceID uuid.UUID) (*model.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance, ok := f.instances[instanceID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "workflow instance %s not found", instanceID)
	}
	copied := *instance
	return &copied, nil
}

func (f *fakeInstanceStore) UpdateInstanceStatus(_ context.Context, instanceID uuid.UUID, to model.InstanceStatus, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance, ok := f.instances[instanceID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "workflow instance %s not found", instanceID)
	}
	instance.Status = to
	if output != nil {
		instance.Output = output
	}
	return nil
}

func (f *fakeInstanceStore) SetInstanceContext(_ context.Context, instanceID uuid.UUID, blob json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance, ok := f.instances[instanceID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "workflow instance %s not found", instanceID)
	}
	instance.Context = blob
	return nil
}

func (f *fakeInstanceStore) ListInstancesByBaseID(_ context.Context, baseID uuid.UUID, _ bool) ([]model.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WorkflowInstance
	for _, instance := range f.instances {
		if instance.WorkflowBaseID == baseID {
			out = append(out, *instance)
		}
	}
	return out, nil
}

func (f *fakeInstanceStore) GetNodeInstances(_ context.Context, instanceID uuid.UUID) ([]model.NodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.NodeInstance
	for _, node := range f.nodes {
		if node.WorkflowInstanceID == instanceID {
			out = append(out, *node)
		}
	}
	return out, nil
}

func (f *fakeInstanceStore) GetNodeInstanceByID(_ context.Context, nodeInstanceID uuid.UUID) (*model.NodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeInstanceID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}
	copied := *node
	return &copied, nil
}

func (f *fakeInstanceStore) UpdateNodeInstanceStatus(_ context.Context, nodeInstanceID uuid.UUID, to model.NodeInstanceStatus, output json.RawMessage, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeInstanceID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}
	node.Status = to
	if output != nil {
		node.Output = output
	}
	node.ErrorMessage = errorMessage
	return nil
}

func (f *fakeInstanceStore) CountNodeInstancesByStatus(_ context.Context, instanceID uuid.UUID) (map[model.NodeInstanceStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[model.NodeInstanceStatus]int)
	for _, node := range f.nodes {
		if node.WorkflowInstanceID == instanceID {
			counts[node.Status]++
		}
	}
	return counts, nil
}

func (f *fakeInstanceStore) AllNodeInstancesCompleted(_ context.Context, instanceID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, node := range f.nodes {
		if node.WorkflowInstanceID == instanceID && node.Status != model.NodeInstanceStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeInstanceStore) nodeByNodeID(nodeID uuid.UUID) *model.NodeInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, node := range f.nodes {
		if node.NodeID == nodeID {
			copied := *node
			return &copied
		}
	}
	return nil
}

// fakeTaskStore keeps task rows in memory.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.TaskInstance
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*model.TaskInstance)}
}

func (f *fakeTaskStore) Create(_ context.Context, task *model.TaskInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.ID = uuid.New()
	copied := *task
	f.tasks[task.ID] = &copied
	return nil
}

func (f *fakeTaskStore) GetByInstanceID(_ context.Context, instanceID uuid.UUID) ([]model.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TaskInstance
	for _, task := range f.tasks {
		if task.WorkflowInstanceID == instanceID {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) Transition(_ context.Context, taskID uuid.UUID, to model.TaskStatus, _ map[string]any) (*model.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
	}
	if !task.Status.CanTransition(to) {
		return nil, apperr.New(apperr.KindValidation, "cannot transition task %s from %s to %s", taskID, task.Status, to)
	}
	task.Status = to
	copied := *task
	return &copied, nil
}

func (f *fakeTaskStore) CountByStatus(_ context.Context, instanceID uuid.UUID) (map[model.TaskStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[model.TaskStatus]int)
	for _, task := range f.tasks {
		if task.WorkflowInstanceID == instanceID {
			counts[task.Status]++
		}
	}
	return counts, nil
}

func (f *fakeTaskStore) all() []model.TaskInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TaskInstance
	for _, task := range f.tasks {
		out = append(out, *task)
	}
	return out
}

// stubRunner returns a canned result for any model task.
type stubRunner struct {
	result *agent.Result
	err    error
}

func (r *stubRunner) ExecuteAgentTask(_ context.Context, _ *model.TaskInstance) (*agent.Result, error) {
	return r.result, r.err
}

func (r *stubRunner) ExecuteSimulatorTask(_ context.Context, _ *model.TaskInstance) (*agent.Result, error) {
	return r.result, r.err
}

// stubCompleter records system-task outcomes on channels so goroutine
// handoffs can be awaited.
type stubCompleter struct {
	completed chan uuid.UUID
	failed    chan uuid.UUID
}

func newStubCompleter() *stubCompleter {
	return &stubCompleter{completed: make(chan uuid.UUID, 8), failed: make(chan uuid.UUID, 8)}
}

func (c *stubCompleter) CompleteSystemTask(_ context.Context, taskID uuid.UUID, _ json.RawMessage, _ string) (*model.TaskInstance, error) {
	c.completed <- taskID
	return &model.TaskInstance{}, nil
}

func (c *stubCompleter) FailSystemTask(_ context.Context, taskID uuid.UUID, _ string) (*model.TaskInstance, error) {
	c.failed <- taskID
	return &model.TaskInstance{}, nil
}

type engineFixture struct {
	defs       *MockDefinitionStore
	instances  *fakeInstanceStore
	tasks      *fakeTaskStore
	processors *MockProcessorStore
	contexts   *wfcontext.Manager
	runner     *stubRunner
	completer  *stubCompleter
	engine     *Engine
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		defs:       new(MockDefinitionStore),
		instances:  newFakeInstanceStore(),
		tasks:      newFakeTaskStore(),
		processors: new(MockProcessorStore),
		runner:     &stubRunner{result: &agent.Result{Data: json.RawMessage(`{}`)}},
		completer:  newStubCompleter(),
	}
	f.contexts = wfcontext.NewManager(f.instances, depgraph.NewManager())
	f.engine = NewEngine(f.defs, f.instances, f.tasks, f.processors, f.contexts, f.runner, f.completer)
	return f
}

// graph is a prepared linear workflow with generated IDs.
type graph struct {
	workflow *model.Workflow
	nodes    []model.Node
	edges    []model.Edge
}

func linearGraph(nodeTypes ...model.NodeType) *graph {
	workflow := &model.Workflow{
		WorkflowBaseID:   uuid.New(),
		Name:             "Order processing",
		Version:          1,
		IsCurrentVersion: true,
	}
	workflow.ID = uuid.New()

	g := &graph{workflow: workflow}
	for i, nodeType := range nodeTypes {
		node := model.Node{
			NodeBaseID: uuid.New(),
			WorkflowID: workflow.ID,
			Type:       nodeType,
			Name:       string(nodeType),
		}
		node.ID = uuid.New()
		g.nodes = append(g.nodes, node)
		if i > 0 {
			g.edges = append(g.edges, model.Edge{
				WorkflowID: workflow.ID,
				FromNodeID: g.nodes[i-1].ID,
				ToNodeID:   node.ID,
			})
		}
	}
	return g
}

// diamondGraph builds start -> {left, right} -> join -> end.
func diamondGraph() *graph {
	workflow := &model.Workflow{
		WorkflowBaseID:   uuid.New(),
		Name:             "Order processing",
		Version:          1,
		IsCurrentVersion: true,
	}
	workflow.ID = uuid.New()

	g := &graph{workflow: workflow}
	names := []string{"start", "left", "right", "join", "end"}
	types := []model.NodeType{model.NodeTypeStart, model.NodeTypeProcessor, model.NodeTypeProcessor, model.NodeTypeProcessor, model.NodeTypeEnd}
	for i, name := range names {
		node := model.Node{
			NodeBaseID: uuid.New(),
			WorkflowID: workflow.ID,
			Type:       types[i],
			Name:       name,
		}
		node.ID = uuid.New()
		g.nodes = append(g.nodes, node)
	}
	pairs := [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {3, 4}}
	for _, p := range pairs {
		g.edges = append(g.edges, model.Edge{
			WorkflowID: workflow.ID,
			FromNodeID: g.nodes[p[0]].ID,
			ToNodeID:   g.nodes[p[1]].ID,
		})
	}
	return g
}

// primeDefinitions wires the definition mocks for one graph. Bindings
// default to empty unless overridden by the caller first.
func primeDefinitions(f *engineFixture, g *graph) {
	f.defs.On("GetCurrentVersion", mock.Anything, g.workflow.WorkflowBaseID).Return(g.workflow, nil)
	f.defs.On("GetNodes", mock.Anything, g.workflow.ID).Return(g.nodes, nil)
	f.defs.On("GetEdges", mock.Anything, g.workflow.ID).Return(g.edges, nil)
	for i := range g.nodes {
		node := g.nodes[i]
		f.defs.On("GetNodeByID", mock.Anything, node.ID).Return(&node, nil)
	}
	f.defs.On("GetBindingsByNodeID", mock.Anything, mock.Anything).Return([]model.NodeProcessor{}, nil)
}

func TestStartInstance(t *testing.T) {
	ctx := context.Background()
	executorID := uuid.New()

	t.Run("Start Node Completes And Dispatches The Human Task", func(t *testing.T) {
		f := newEngineFixture()
		g := linearGraph(model.NodeTypeStart, model.NodeTypeProcessor, model.NodeTypeEnd)
		workNode := g.nodes[1]

		userID := uuid.New()
		processor := model.Processor{Name: "Reviewer", Kind: model.ProcessorKindHuman, UserID: &userID}
		processor.ID = uuid.New()
		f.defs.On("GetBindingsByNodeID", mock.Anything, workNode.ID).Return([]model.NodeProcessor{
			{NodeID: workNode.ID, ProcessorID: &processor.ID},
		}, nil)
		primeDefinitions(f, g)
		f.processors.On("GetByIDs", mock.Anything, []uuid.UUID{processor.ID}).
			Return(map[uuid.UUID]model.Processor{processor.ID: processor}, nil)

		instance, err := f.engine.StartInstance(ctx, &model.ExecuteWorkflowDTO{
			WorkflowBaseID: g.workflow.WorkflowBaseID,
			InstanceName:   "order-42",
			InputData:      json.RawMessage(`{"order":42}`),
		}, executorID, nil)
		assert.NoError(t, err)
		assert.Equal(t, model.InstanceStatusRunning, instance.Status)

		// The start node auto-completed and the work node is live.
		assert.Equal(t, model.NodeInstanceStatusCompleted, f.instances.nodeByNodeID(g.nodes[0].ID).Status)
		assert.Equal(t, model.NodeInstanceStatusRunning, f.instances.nodeByNodeID(workNode.ID).Status)
		assert.Equal(t, model.NodeInstanceStatusPending, f.instances.nodeByNodeID(g.nodes[2].ID).Status)

		tasks := f.tasks.all()
		assert.Len(t, tasks, 1)
		assert.Equal(t, model.TaskStatusAssigned, tasks[0].Status)
		assert.Equal(t, &userID, tasks[0].AssignedUserID)

		var taskContext wfcontext.TaskContext
		assert.NoError(t, json.Unmarshal(tasks[0].Context, &taskContext))
		assert.Equal(t, instance.ID, taskContext.WorkflowInstanceID)
		assert.Len(t, taskContext.UpstreamOutputs, 1)
		assert.Equal(t, g.nodes[0].ID, taskContext.UpstreamOutputs[0].NodeID)
	})

	t.Run("Start To End Completes The Workflow", func(t *testing.T) {
		f := newEngineFixture()
		g := linearGraph(model.NodeTypeStart, model.NodeTypeEnd)
		primeDefinitions(f, g)

		instance, err := f.engine.StartInstance(ctx, &model.ExecuteWorkflowDTO{
			WorkflowBaseID: g.workflow.WorkflowBaseID,
		}, executorID, nil)
		assert.NoError(t, err)

		stored, err := f.instances.GetInstanceByID(ctx, instance.ID)
		assert.NoError(t, err)
		assert.Equal(t, model.InstanceStatusCompleted, stored.Status)
		assert.NotEmpty(t, stored.Output)

		// The runtime context snapshot lands on the row before cleanup.
		var persisted struct {
			ExecutionPath []uuid.UUID `json:"executionPath"`
		}
		assert.NoError(t, json.Unmarshal(stored.Context, &persisted))
		assert.NotEmpty(t, persisted.ExecutionPath)

		// The END node carries the execution summary.
		endInstance := f.instances.nodeByNodeID(g.nodes[1].ID)
		assert.Equal(t, model.NodeInstanceStatusCompleted, endInstance.Status)
		var summary map[string]any
		assert.NoError(t, json.Unmarshal(endInstance.Output, &summary))
		assert.Contains(t, summary, "nodeCounts")

		assert.False(t, f.contexts.Active(instance.ID))
	})

	t.Run("Diamond Join Waits For Both Branches", func(t *testing.T) {
		f := newEngineFixture()
		g := diamondGraph()
		left, right, join := g.nodes[1], g.nodes[2], g.nodes[3]

		userID := uuid.New()
		processor := model.Processor{Name: "Reviewer", Kind: model.ProcessorKindHuman, UserID: &userID}
		processor.ID = uuid.New()
		for _, node := range []model.Node{left, right, join} {
			f.defs.On("GetBindingsByNodeID", mock.Anything, node.ID).Return([]model.NodeProcessor{
				{NodeID: node.ID, ProcessorID: &processor.ID},
			}, nil)
		}
		primeDefinitions(f, g)
		f.processors.On("GetByIDs", mock.Anything, []uuid.UUID{processor.ID}).
			Return(map[uuid.UUID]model.Processor{processor.ID: processor}, nil)

		instance, err := f.engine.StartInstance(ctx, &model.ExecuteWorkflowDTO{
			WorkflowBaseID: g.workflow.WorkflowBaseID,
		}, executorID, nil)
		assert.NoError(t, err)

		// Both branches dispatched, the join held back behind them.
		assert.Equal(t, model.NodeInstanceStatusRunning, f.instances.nodeByNodeID(left.ID).Status)
		assert.Equal(t, model.NodeInstanceStatusRunning, f.instances.nodeByNodeID(right.ID).Status)
		assert.Equal(t, model.NodeInstanceStatusPending, f.instances.nodeByNodeID(join.ID).Status)
		assert.Len(t, f.tasks.all(), 2)

		// One completed branch is not enough.
		f.contexts.MarkCompleted(ctx, instance.ID, left.ID, json.RawMessage(`{"branch":"left"}`))
		assert.Equal(t, model.NodeInstanceStatusPending, f.instances.nodeByNodeID(join.ID).Status)
		assert.Len(t, f.tasks.all(), 2)

		// The second branch releases the join.
		f.contexts.MarkCompleted(ctx, instance.ID, right.ID, json.RawMessage(`{"branch":"right"}`))
		joinInstance := f.instances.nodeByNodeID(join.ID)
		assert.Equal(t, model.NodeInstanceStatusRunning, joinInstance.Status)

		tasks := f.tasks.all()
		assert.Len(t, tasks, 3)
		for _, task := range tasks {
			if task.NodeInstanceID != joinInstance.ID {
				continue
			}
			var taskContext wfcontext.TaskContext
			assert.NoError(t, json.Unmarshal(task.Context, &taskContext))
			assert.Len(t, taskContext.UpstreamOutputs, 2)
		}
	})

	t.Run("Missing Current Version Is Rejected", func(t *testing.T) {
		f := newEngineFixture()
		baseID := uuid.New()
		f.defs.On("GetCurrentVersion", mock.Anything, baseID).
			Return(nil, apperr.New(apperr.KindNotFound, "no current version"))

		_, err := f.engine.StartInstance(ctx, &model.ExecuteWorkflowDTO{WorkflowBaseID: baseID}, executorID, nil)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestModelTaskRouting(t *testing.T) {
	ctx := context.Background()
	executorID := uuid.New()

	t.Run("Agent Task Runs In Background And Reports Back", func(t *testing.T) {
		f := newEngineFixture()
		f.runner.result = &agent.Result{Data: json.RawMessage(`{"ok":true}`), Summary: "done"}

		g := linearGraph(model.NodeTypeStart, model.NodeTypeProcessor)
		workNode := g.nodes[1]

		agentID := uuid.New()
		processor := model.Processor{Name: "Summarizer", Kind: model.ProcessorKindAgent, AgentID: &agentID}
		processor.ID = uuid.New()
		f.defs.On("GetBindingsByNodeID", mock.Anything, workNode.ID).Return([]model.NodeProcessor{
			{NodeID: workNode.ID, ProcessorID: &processor.ID},
		}, nil)
		primeDefinitions(f, g)
		f.processors.On("GetByIDs", mock.Anything, []uuid.UUID{processor.ID}).
			Return(map[uuid.UUID]model.Processor{processor.ID: processor}, nil)

		_, err := f.engine.StartInstance(ctx, &model.ExecuteWorkflowDTO{
			WorkflowBaseID: g.workflow.WorkflowBaseID,
		}, executorID, nil)
		assert.NoError(t, err)

		select {
		case completedID := <-f.completer.completed:
			tasks := f.tasks.all()
			assert.Len(t, tasks, 1)
			assert.Equal(t, tasks[0].ID, completedID)
			assert.Equal(t, &agentID, tasks[0].AssignedAgentID)
		case <-time.After(2 * time.Second):
			t.Fatal("agent task was never completed")
		}
	})

	t.Run("Runner Failure Fails The Task", func(t *testing.T) {
		f := newEngineFixture()
		f.runner.result = nil
		f.runner.err = apperr.New(apperr.KindInternal, "model API exploded")

		g := linearGraph(model.NodeTypeStart, model.NodeTypeProcessor)
		workNode := g.nodes[1]

		agentID := uuid.New()
		processor := model.Processor{Name: "Summarizer", Kind: model.ProcessorKindSimulator, AgentID: &agentID}
		processor.ID = uuid.New()
		f.defs.On("GetBindingsByNodeID", mock.Anything, workNode.ID).Return([]model.NodeProcessor{
			{NodeID: workNode.ID, ProcessorID: &processor.ID},
		}, nil)
		primeDefinitions(f, g)
		f.processors.On("GetByIDs", mock.Anything, []uuid.UUID{processor.ID}).
			Return(map[uuid.UUID]model.Processor{processor.ID: processor}, nil)

		_, err := f.engine.StartInstance(ctx, &model.ExecuteWorkflowDTO{
			WorkflowBaseID: g.workflow.WorkflowBaseID,
		}, executorID, nil)
		assert.NoError(t, err)

		select {
		case failedID := <-f.completer.failed:
			tasks := f.tasks.all()
			assert.Len(t, tasks, 1)
			assert.Equal(t, tasks[0].ID, failedID)
		case <-time.After(2 * time.Second):
			t.Fatal("simulator task was never failed")
		}
	})
}

func TestListInstances(t *testing.T) {
	ctx := context.Background()

	t.Run("Returns The Run History Of One Base", func(t *testing.T) {
		f := newEngineFixture()
		baseID := uuid.New()

		first := &model.WorkflowInstance{WorkflowBaseID: baseID, Status: model.InstanceStatusCompleted}
		second := &model.WorkflowInstance{WorkflowBaseID: baseID, Status: model.InstanceStatusRunning}
		other := &model.WorkflowInstance{WorkflowBaseID: uuid.New(), Status: model.InstanceStatusRunning}
		_ = f.instances.CreateInstance(ctx, first)
		_ = f.instances.CreateInstance(ctx, second)
		_ = f.instances.CreateInstance(ctx, other)

		instances, err := f.engine.ListInstances(ctx, baseID)
		assert.NoError(t, err)
		assert.Len(t, instances, 2)
		for _, instance := range instances {
			assert.Equal(t, baseID, instance.WorkflowBaseID)
		}
	})

	t.Run("Rejects Nil Base ID", func(t *testing.T) {
		f := newEngineFixture()
		_, err := f.engine.ListInstances(ctx, uuid.Nil)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	executorID := uuid.New()

	// seedRunningInstance places a running instance with one live and one
	// finished node plus matching tasks directly into the fakes.
	seedRunningInstance := func(f *engineFixture) (uuid.UUID, uuid.UUID, uuid.UUID) {
		instance := &model.WorkflowInstance{Status: model.InstanceStatusRunning, ExecutorID: executorID}
		_ = f.instances.CreateInstance(ctx, instance)
		_ = f.instances.UpdateInstanceStatus(ctx, instance.ID, model.InstanceStatusRunning, nil)

		nodes := []model.NodeInstance{
			{WorkflowInstanceID: instance.ID, NodeID: uuid.New(), Status: model.NodeInstanceStatusRunning},
			{WorkflowInstanceID: instance.ID, NodeID: uuid.New(), Status: model.NodeInstanceStatusCompleted},
		}
		nodes, _ = f.instances.CreateNodeInstances(ctx, nodes)

		liveTask := &model.TaskInstance{WorkflowInstanceID: instance.ID, Status: model.TaskStatusInProgress}
		_ = f.tasks.Create(ctx, liveTask)
		doneTask := &model.TaskInstance{WorkflowInstanceID: instance.ID, Status: model.TaskStatusCompleted}
		_ = f.tasks.Create(ctx, doneTask)

		return instance.ID, nodes[0].ID, liveTask.ID
	}

	t.Run("Cascades To Live Nodes And Tasks", func(t *testing.T) {
		f := newEngineFixture()
		instanceID, liveNodeID, liveTaskID := seedRunningInstance(f)

		response, err := f.engine.CancelInstance(ctx, instanceID, executorID, "operator abort")
		assert.NoError(t, err)
		assert.Equal(t, model.InstanceStatusCancelled, response.Status)
		assert.Equal(t, 1, response.CancelledNodesCount)
		assert.Equal(t, 1, response.CancelledTasksCount)

		liveNode, err := f.instances.GetNodeInstanceByID(ctx, liveNodeID)
		assert.NoError(t, err)
		assert.Equal(t, model.NodeInstanceStatusCancelled, liveNode.Status)

		for _, task := range f.tasks.all() {
			if task.ID == liveTaskID {
				assert.Equal(t, model.TaskStatusCancelled, task.Status)
			} else {
				assert.Equal(t, model.TaskStatusCompleted, task.Status)
			}
		}
		assert.False(t, f.contexts.Active(instanceID))
	})

	t.Run("Foreign Requester Is Rejected", func(t *testing.T) {
		f := newEngineFixture()
		instanceID, _, _ := seedRunningInstance(f)

		_, err := f.engine.CancelInstance(ctx, instanceID, uuid.New(), "nope")
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})

	t.Run("Terminal Instance Is A No-Op", func(t *testing.T) {
		f := newEngineFixture()
		instance := &model.WorkflowInstance{Status: model.InstanceStatusPending, ExecutorID: executorID}
		_ = f.instances.CreateInstance(ctx, instance)
		_ = f.instances.UpdateInstanceStatus(ctx, instance.ID, model.InstanceStatusCancelled, nil)

		response, err := f.engine.CancelInstance(ctx, instance.ID, executorID, "late")
		assert.NoError(t, err)
		assert.Equal(t, model.InstanceStatusCancelled, response.Status)
	})
}
