package docker

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/containerd/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	containers []container.Summary
	inspect    map[string]container.InspectResponse
	events     []events.Message
}

func (f *fakeAPI) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	resp, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %s: %w", id, errdefs.ErrNotFound)
	}
	return resp, nil
}

func (f *fakeAPI) Events(context.Context, events.ListOptions) (<-chan events.Message, <-chan error) {
	msgs := make(chan events.Message)
	errs := make(chan error, 1)
	go func() {
		for _, m := range f.events {
			msgs <- m
		}
		errs <- io.EOF
	}()
	return msgs, errs
}

func (f *fakeAPI) Info(context.Context) (system.Info, error) {
	return system.Info{Name: "kind-worker"}, nil
}

func kubeLabels(pod, ns, name, restart string) map[string]string {
	return map[string]string{
		labelPodName:       pod,
		labelPodNamespace:  ns,
		labelContainerName: name,
		labelRestartCount:  restart,
	}
}

func inspected(id string, exitCode int, oom bool, finished string) container.InspectResponse {
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
		ID:    id,
		State: &container.State{ExitCode: exitCode, OOMKilled: oom, FinishedAt: finished},
	}}
}

func TestListPodsGroupsAttempts(t *testing.T) {
	api := &fakeAPI{
		containers: []container.Summary{
			{ID: "sandbox0000001", Labels: map[string]string{labelPodName: "api-0", labelPodNamespace: "prod", labelDockerType: dockerTypeSandbox}, State: "running"},
			{ID: "attempt0000000", Labels: kubeLabels("api-0", "prod", "app", "0"), State: "exited", Created: 100},
			{ID: "attempt0000001", Labels: kubeLabels("api-0", "prod", "app", "1"), State: "running", Created: 200},
			{ID: "job00000000000", Labels: kubeLabels("job-1", "batch", "worker", "0"), State: "exited", Created: 300},
		},
		inspect: map[string]container.InspectResponse{
			"attempt0000000": inspected("attempt0000000", 137, true, "2026-01-02T03:04:05Z"),
			"job00000000000": inspected("job00000000000", 0, false, "2026-01-02T04:00:00Z"),
		},
	}

	pods, err := NewRuntimeSource(api).ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 2)

	job := pods[0]
	assert.Equal(t, "job-1", job.Name)
	assert.Equal(t, "Succeeded", job.Phase)

	pod := pods[1]
	assert.Equal(t, "api-0", pod.Name)
	assert.Equal(t, "kind-worker", pod.NodeName)
	assert.Equal(t, "Running", pod.Phase)
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, int32(1), c.RestartCount)
	assert.True(t, c.OOMKilled())
	require.NotNil(t, c.ExitCode)
	assert.Equal(t, int32(137), *c.ExitCode)
	require.NotNil(t, c.LastRestartTime)
	assert.True(t, c.LastRestartTime.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Empty(t, c.WaitingReason)
}

func TestListPodsMarksBackOff(t *testing.T) {
	api := &fakeAPI{
		containers: []container.Summary{
			{ID: "a0", Labels: kubeLabels("web-0", "prod", "app", "2"), State: "exited", Created: 100},
		},
		inspect: map[string]container.InspectResponse{
			"a0": inspected("a0", 1, false, "2026-01-02T03:04:05Z"),
		},
	}
	pods, err := NewRuntimeSource(api).ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "Failed", pods[0].Phase)
	assert.Equal(t, "CrashLoopBackOff", pods[0].Containers[0].WaitingReason)
	assert.Equal(t, "Error", pods[0].Containers[0].ExitReason)
}

func TestListEventsMapsOOMAndDie(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	attrs := kubeLabels("api-0", "prod", "app", "0")
	dieAttrs := kubeLabels("api-0", "prod", "app", "0")
	dieAttrs["exitCode"] = "137"
	api := &fakeAPI{events: []events.Message{
		{Type: events.ContainerEventType, Action: events.ActionOOM, Actor: events.Actor{ID: "abcdef0123456789", Attributes: attrs}, TimeNano: at.UnixNano()},
		{Type: events.ContainerEventType, Action: events.ActionDie, Actor: events.Actor{ID: "abcdef0123456789", Attributes: dieAttrs}, TimeNano: at.Add(time.Second).UnixNano()},
		{Type: events.ContainerEventType, Action: events.ActionDie, Actor: events.Actor{ID: "sandbox", Attributes: map[string]string{"name": "plain"}}, TimeNano: at.UnixNano()},
	}}

	src := NewRuntimeSource(api)
	got, err := src.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "OOMKilling", got[0].Reason)
	assert.Equal(t, "Warning", got[0].Type)
	assert.Equal(t, "Pod", got[0].Kind)
	assert.Equal(t, "prod", got[0].Namespace)
	assert.True(t, got[0].LastTimestamp.Equal(at))

	assert.Equal(t, "BackOff", got[1].Reason)
	assert.Contains(t, got[1].Message, "137")
	assert.NotEqual(t, got[0].UID, got[1].UID)
}
