package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/boxed/internal/registry"
)

func newTestRecord(t *testing.T, userID string) *registry.Record {
	t.Helper()
	rec, err := registry.NewRecord(userID, 3600, nil)
	require.NoError(t, err)
	return rec
}

func TestSaveAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")

	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.SandboxID, got.SandboxID)
	assert.Equal(t, "user-1", got.UserID)
}

func TestGetMissingReturnsNilNotError(t *testing.T) {
	s := New()
	got, err := s.Get(context.Background(), "sbx-missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveClonesSoCallerMutationDoesNotLeak(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	require.NoError(t, s.Save(ctx, rec))

	rec.UserID = "mutated-after-save"

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestListFiltersByUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := newTestRecord(t, "user-a")
	b := newTestRecord(t, "user-b")
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := s.List(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, a.SandboxID, onlyA[0].SandboxID)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	require.NoError(t, s.Save(ctx, rec))

	ok, err := s.Delete(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateStatusSetsStoppedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	require.NoError(t, s.Save(ctx, rec))

	ok, err := s.UpdateStatus(ctx, rec.SandboxID, registry.StatusStopped)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
}

func TestUpdateHeartbeat(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	require.NoError(t, s.Save(ctx, rec))

	ok, err := s.UpdateHeartbeat(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
}

func TestMarkStopped(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	require.NoError(t, s.Save(ctx, rec))

	ok, err := s.MarkStopped(ctx, rec.SandboxID, registry.StopReasonError)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
	require.NotNil(t, got.StopReason)
	assert.Equal(t, registry.StopReasonError, *got.StopReason)
}

func TestReconcileStopsRecordsWithDeadContainers(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	containerID := "container-123"
	rec.ContainerID = &containerID
	rec.Status = registry.StatusRunning
	require.NoError(t, s.Save(ctx, rec))

	require.NoError(t, s.Reconcile(ctx, map[string]struct{}{}))

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
	require.NotNil(t, got.StopReason)
	assert.Equal(t, registry.StopReasonGracefulShutdown, *got.StopReason)
}

func TestReconcileLeavesLiveContainersAlone(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	containerID := "container-123"
	rec.ContainerID = &containerID
	rec.Status = registry.StatusRunning
	require.NoError(t, s.Save(ctx, rec))

	require.NoError(t, s.Reconcile(ctx, map[string]struct{}{containerID: {}}))

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, got.Status)
}

func TestExpireStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	rec.ExpiresAt = rec.CreatedAt // already expired relative to now
	require.NoError(t, s.Save(ctx, rec))

	expired, err := s.ExpireStale(ctx)
	require.NoError(t, err)
	require.Contains(t, expired, rec.SandboxID)

	got, err := s.Get(ctx, rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusExpired, got.Status)
}

func TestExpireStaleIgnoresTerminalRecords(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newTestRecord(t, "user-1")
	rec.ExpiresAt = rec.CreatedAt
	rec.Status = registry.StatusStopped
	require.NoError(t, s.Save(ctx, rec))

	expired, err := s.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
