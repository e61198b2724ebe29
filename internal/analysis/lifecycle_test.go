package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

func TestAlertLifecycleTransitionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SyncClusters(ctx, []storage.Cluster{{ID: "c1", Name: "prod", OwnerID: "u1", Runtime: "none"}}, nil))

	w, err := s.UpsertOpenAlert(ctx, storage.Alert{
		ClusterID:      "c1",
		AlertType:      "cpu_pressure",
		Severity:       storage.SeverityCritical,
		ThresholdValue: 90,
		CurrentValue:   95,
		NodeName:       "node-a",
		Message:        "CPU usage 95.0% exceeds critical threshold of 90% on node-a",
	}, false)
	require.NoError(t, err)
	id := w.Alert.ID

	n := &recordingNotifier{}
	l := NewAlertLifecycle(s).WithNotifier(n)

	a, err := l.Acknowledge(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.False(t, a.Resolved)

	_, err = l.Acknowledge(ctx, id)
	require.NoError(t, err)

	a, err = l.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolvedAt)

	a, err = l.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Resolved)

	assert.Equal(t, []notify.Action{notify.ActionUpdate, notify.ActionResolve}, n.actions())
}

func TestAlertLifecycleResolveSmart(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SyncClusters(ctx, []storage.Cluster{{ID: "c1", Name: "prod", OwnerID: "u1", Runtime: "none"}}, nil))

	w, err := s.UpsertOpenSmartAlert(ctx, storage.SmartAlert{
		ClusterID:    "c1",
		AlertType:    storage.SmartOOMKill,
		Severity:     storage.SeverityCritical,
		ResourceType: "pod",
		ResourceName: "api-0",
		Namespace:    "prod",
		Title:        "Pod prod/api-0 was OOM killed",
	})
	require.NoError(t, err)

	n := &recordingNotifier{}
	l := NewAlertLifecycle(s).WithNotifier(n)

	a, err := l.ResolveSmart(ctx, w.Alert.ID)
	require.NoError(t, err)
	assert.True(t, a.IsResolved)
	require.NotNil(t, a.ResolvedAt)

	_, err = l.ResolveSmart(ctx, w.Alert.ID)
	require.NoError(t, err)

	require.Len(t, n.events, 1)
	assert.Equal(t, notify.ActionResolve, n.events[0].Action)
	assert.Equal(t, "smart", n.events[0].AlertKind)
	assert.Equal(t, "prod/api-0", n.events[0].ResourceName)
}

func TestAlertLifecycleUnknownAlert(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	n := &recordingNotifier{}
	l := NewAlertLifecycle(s).WithNotifier(n)

	_, err := l.Acknowledge(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = l.ResolveSmart(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, n.actions())
}
