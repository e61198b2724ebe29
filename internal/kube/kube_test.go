package kube

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/wwwzy/KubeSentry/internal/collector"
)

func TestListPodsMapsContainerState(t *testing.T) {
	finished := metav1.NewTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-0", Namespace: "prod"},
		Spec:       corev1.PodSpec{NodeName: "node-a"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "app",
				RestartCount: 4,
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
				},
				LastTerminationState: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{ExitCode: 137, Reason: "OOMKilled", FinishedAt: finished},
				},
			}},
		},
	}
	c := NewFromClients(fake.NewSimpleClientset(pod), nil)

	pods, err := c.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 1)
	p := pods[0]
	assert.Equal(t, "node-a", p.NodeName)
	assert.Equal(t, "Running", p.Phase)
	require.Len(t, p.Containers, 1)
	ct := p.Containers[0]
	assert.Equal(t, int32(4), ct.RestartCount)
	assert.Equal(t, "CrashLoopBackOff", ct.WaitingReason)
	assert.True(t, ct.OOMKilled())
	require.NotNil(t, ct.ExitCode)
	assert.Equal(t, int32(137), *ct.ExitCode)
	require.NotNil(t, ct.LastRestartTime)
	assert.True(t, ct.LastRestartTime.Equal(finished.Time))
}

func TestListEventsFallsBackToEventTime(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := &corev1.Event{
		ObjectMeta:          metav1.ObjectMeta{Name: "api-0.1", Namespace: "prod", UID: "uid-1"},
		InvolvedObject:      corev1.ObjectReference{Kind: "Pod", Namespace: "prod", Name: "api-0"},
		Reason:              "Unhealthy",
		Message:             "Liveness probe failed: timeout",
		Type:                corev1.EventTypeWarning,
		EventTime:           metav1.NewMicroTime(at),
		ReportingController: "kubelet",
	}
	c := NewFromClients(fake.NewSimpleClientset(ev), nil)

	events, err := c.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "uid-1", e.UID)
	assert.Equal(t, "Pod", e.Kind)
	assert.Equal(t, "kubelet", e.SourceComponent)
	assert.True(t, e.LastTimestamp.Equal(at))
	assert.True(t, e.FirstTimestamp.Equal(at))
	assert.Equal(t, int32(1), e.Count)
}

func TestMetricsServerSource(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
		Status: corev1.NodeStatus{Allocatable: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("4"),
			corev1.ResourceMemory: resource.MustParse("8Gi"),
		}},
	}
	pods := []runtime.Object{
		node,
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "prod"}, Spec: corev1.PodSpec{NodeName: "node-a"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "b", Namespace: "prod"}, Spec: corev1.PodSpec{NodeName: "node-a"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "pending", Namespace: "prod"}},
	}

	mc := metricsfake.NewSimpleClientset()
	mc.PrependReactor("list", "*", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, &metricsv1beta1.NodeMetricsList{Items: []metricsv1beta1.NodeMetrics{{
			ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
			Usage: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("3"),
				corev1.ResourceMemory: resource.MustParse("2Gi"),
			},
		}}}, nil
	})

	src := NewFromClients(fake.NewSimpleClientset(pods...), mc).MetricsSource()
	results := src.Fetch(context.Background(), collector.DefaultCatalog())
	require.Len(t, results, 3)

	byName := map[string]collector.Result{}
	for _, r := range results {
		require.NoError(t, r.Err, r.Query.Name)
		byName[r.Query.Name] = r
	}

	cpu := byName["node_cpu_percent"]
	require.Len(t, cpu.Series, 1)
	assert.InDelta(t, 75.0, cpu.Series[0].Value, 0.001)
	assert.Equal(t, "node-a", cpu.Series[0].Labels["node"])
	assert.True(t, cpu.Query.Alertable)

	mem := byName["node_memory_percent"]
	require.Len(t, mem.Series, 1)
	assert.InDelta(t, 25.0, mem.Series[0].Value, 0.001)

	pc := byName["pod_count"]
	require.Len(t, pc.Series, 1)
	assert.Equal(t, 2.0, pc.Series[0].Value)
}
