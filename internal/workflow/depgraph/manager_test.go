package depgraph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegister(t *testing.T) {
	t.Run("Node Without Upstream Is Ready Immediately", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		nodeInstanceID := uuid.New()

		m.Register(nodeInstanceID, uuid.New(), instanceID, nil)

		assert.True(t, m.Ready(nodeInstanceID))
		drained := m.DrainReady(instanceID)
		assert.Equal(t, []uuid.UUID{nodeInstanceID}, drained)
	})

	t.Run("Node With Upstream Starts Not Ready", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		nodeInstanceID := uuid.New()

		m.Register(nodeInstanceID, uuid.New(), instanceID, []uuid.UUID{uuid.New()})

		assert.False(t, m.Ready(nodeInstanceID))
		assert.Empty(t, m.DrainReady(instanceID))
	})
}

func TestMarkCompleted(t *testing.T) {
	t.Run("Single Upstream Unlocks Downstream", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		upstreamNodeID := uuid.New()
		downstreamInstanceID := uuid.New()

		m.Register(downstreamInstanceID, uuid.New(), instanceID, []uuid.UUID{upstreamNodeID})

		ready := m.MarkCompleted(instanceID, upstreamNodeID)
		assert.Equal(t, []uuid.UUID{downstreamInstanceID}, ready)
		assert.True(t, m.Ready(downstreamInstanceID))
	})

	t.Run("Diamond Join Waits For Both Branches", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		branchA := uuid.New()
		branchB := uuid.New()
		joinInstanceID := uuid.New()

		m.Register(joinInstanceID, uuid.New(), instanceID, []uuid.UUID{branchA, branchB})

		assert.Empty(t, m.MarkCompleted(instanceID, branchA))
		assert.False(t, m.Ready(joinInstanceID))

		ready := m.MarkCompleted(instanceID, branchB)
		assert.Equal(t, []uuid.UUID{joinInstanceID}, ready)
		assert.True(t, m.Ready(joinInstanceID))
	})

	t.Run("Completed Upstream Never Exceeds Upstream Set", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		upstreamNodeID := uuid.New()
		nodeInstanceID := uuid.New()

		m.Register(nodeInstanceID, uuid.New(), instanceID, []uuid.UUID{upstreamNodeID})

		m.MarkCompleted(instanceID, upstreamNodeID)
		m.MarkCompleted(instanceID, upstreamNodeID)

		dep, ok := m.Get(nodeInstanceID)
		assert.True(t, ok)
		assert.LessOrEqual(t, len(dep.CompletedUpstream), len(dep.UpstreamNodes))
		assert.True(t, dep.ReadyToExecute)
	})

	t.Run("Unrelated Completion Has No Effect", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		nodeInstanceID := uuid.New()

		m.Register(nodeInstanceID, uuid.New(), instanceID, []uuid.UUID{uuid.New()})

		assert.Empty(t, m.MarkCompleted(instanceID, uuid.New()))
		assert.False(t, m.Ready(nodeInstanceID))
	})

	t.Run("Instances Are Independent", func(t *testing.T) {
		m := NewManager()
		upstreamNodeID := uuid.New()
		instanceA := uuid.New()
		instanceB := uuid.New()
		nodeInstanceA := uuid.New()
		nodeInstanceB := uuid.New()

		m.Register(nodeInstanceA, uuid.New(), instanceA, []uuid.UUID{upstreamNodeID})
		m.Register(nodeInstanceB, uuid.New(), instanceB, []uuid.UUID{upstreamNodeID})

		m.MarkCompleted(instanceA, upstreamNodeID)
		assert.True(t, m.Ready(nodeInstanceA))
		assert.False(t, m.Ready(nodeInstanceB))
	})
}

func TestDrainReady(t *testing.T) {
	t.Run("Drain Clears Pending Set", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		nodeInstanceID := uuid.New()

		m.Register(nodeInstanceID, uuid.New(), instanceID, nil)

		first := m.DrainReady(instanceID)
		assert.Len(t, first, 1)
		assert.Empty(t, m.DrainReady(instanceID))
	})
}

func TestCleanupInstance(t *testing.T) {
	t.Run("Removes All Entries For Instance", func(t *testing.T) {
		m := NewManager()
		instanceID := uuid.New()
		startInstanceID := uuid.New()
		downstreamInstanceID := uuid.New()

		m.Register(startInstanceID, uuid.New(), instanceID, nil)
		m.Register(downstreamInstanceID, uuid.New(), instanceID, []uuid.UUID{uuid.New()})

		m.CleanupInstance(instanceID)

		assert.False(t, m.Ready(startInstanceID))
		_, ok := m.Get(downstreamInstanceID)
		assert.False(t, ok)
		assert.Empty(t, m.DrainReady(instanceID))
		assert.Zero(t, m.RegisteredCount(instanceID))
	})
}
