package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/boxed/internal/driver/drivertest"
	"github.com/akshayaggarwal99/boxed/internal/lifecycle"
	"github.com/akshayaggarwal99/boxed/internal/registry"
	"github.com/akshayaggarwal99/boxed/internal/registry/memory"
)

func TestReconcileOnceStopsDeadRecord(t *testing.T) {
	store := memory.New()
	fake := drivertest.New()
	fake.ListIDsWithLabelFunc = func(ctx context.Context, key, value string) ([]string, error) {
		assert.Equal(t, lifecycle.ManagedLabelKey, key)
		assert.Equal(t, lifecycle.ManagedLabelValue, value)
		return nil, nil
	}
	manager := lifecycle.NewManager(store, fake, "host", lifecycle.ContainerSpec{})
	loops := NewLoops(store, fake, manager)

	rec, err := registry.NewRecord("user-1", 3600, nil)
	require.NoError(t, err)
	containerID := "gone"
	rec.ContainerID = &containerID
	rec.Status = registry.StatusRunning
	require.NoError(t, store.Save(context.Background(), rec))

	require.NoError(t, loops.reconcileOnce(context.Background()))

	got, err := store.Get(context.Background(), rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
}

func TestReconcileOnceLeavesLiveRecordAlone(t *testing.T) {
	store := memory.New()
	fake := drivertest.New()
	manager := lifecycle.NewManager(store, fake, "host", lifecycle.ContainerSpec{})

	rec, err := registry.NewRecord("user-1", 3600, nil)
	require.NoError(t, err)
	containerID := "still-here"
	rec.ContainerID = &containerID
	rec.Status = registry.StatusRunning
	require.NoError(t, store.Save(context.Background(), rec))

	fake.ListIDsWithLabelFunc = func(ctx context.Context, key, value string) ([]string, error) {
		return []string{containerID}, nil
	}
	loops := NewLoops(store, fake, manager)

	require.NoError(t, loops.reconcileOnce(context.Background()))

	got, err := store.Get(context.Background(), rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, got.Status)
}

func TestFindOrphansReportsUnknownLiveContainers(t *testing.T) {
	store := memory.New()
	fake := drivertest.New()
	manager := lifecycle.NewManager(store, fake, "host", lifecycle.ContainerSpec{})
	loops := NewLoops(store, fake, manager)

	liveSet := map[string]struct{}{"orphan-1": {}}
	orphans := loops.findOrphans(context.Background(), liveSet)
	assert.Equal(t, []string{"orphan-1"}, orphans)
}

func TestExpireOnceDestroysExpiredContainers(t *testing.T) {
	store := memory.New()
	fake := drivertest.New()
	manager := lifecycle.NewManager(store, fake, "host", lifecycle.ContainerSpec{})
	loops := NewLoops(store, fake, manager)

	rec, err := registry.NewRecord("user-1", 3600, nil)
	require.NoError(t, err)
	rec.ExpiresAt = rec.CreatedAt
	containerID := "expired-container"
	rec.ContainerID = &containerID
	require.NoError(t, store.Save(context.Background(), rec))

	require.NoError(t, loops.expireOnce(context.Background()))

	assert.Contains(t, fake.KillCalls, containerID)
	assert.Contains(t, fake.RemoveCalls, containerID)

	got, err := store.Get(context.Background(), rec.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusExpired, got.Status)
}
