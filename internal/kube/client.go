package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/wwwzy/KubeSentry/internal/cluster"
)

// Client 封装一个集群的 core 与 metrics.k8s.io 客户端，实现 cluster.RuntimeSource。
type Client struct {
	core    kubernetes.Interface
	metrics metricsclient.Interface
}

// New 按 kubeconfig/context 创建客户端；在集群内运行时优先使用 InClusterConfig。
func New(kubeconfigPath, contextName string) (*Client, error) {
	cfg, err := loadRESTConfig(kubeconfigPath, contextName)
	if err != nil {
		return nil, fmt.Errorf("load kube config: %w", err)
	}
	cfg.QPS = 30
	cfg.Burst = 60
	core, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kube client: %w", err)
	}
	m, err := metricsclient.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create metrics client: %w", err)
	}
	return &Client{core: core, metrics: m}, nil
}

// NewFromClients 使用已有的客户端（测试中传入 fake clientset）。
func NewFromClients(core kubernetes.Interface, metrics metricsclient.Interface) *Client {
	return &Client{core: core, metrics: metrics}
}

func loadRESTConfig(kubeconfigPath, contextName string) (*rest.Config, error) {
	if kubeconfigPath == "" && contextName == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	overrides := &clientcmd.ConfigOverrides{}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

func (c *Client) ListPods(ctx context.Context) ([]cluster.PodStatus, error) {
	pods, err := c.core.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make([]cluster.PodStatus, 0, len(pods.Items))
	for _, p := range pods.Items {
		out = append(out, podStatus(p))
	}
	return out, nil
}

func podStatus(p corev1.Pod) cluster.PodStatus {
	ps := cluster.PodStatus{
		Name:      p.Name,
		Namespace: p.Namespace,
		NodeName:  p.Spec.NodeName,
		Phase:     cluster.NormalizePhase(string(p.Status.Phase)),
	}
	statuses := append([]corev1.ContainerStatus{}, p.Status.InitContainerStatuses...)
	statuses = append(statuses, p.Status.ContainerStatuses...)
	for _, cs := range statuses {
		ps.Containers = append(ps.Containers, containerStatus(cs))
	}
	return ps
}

func containerStatus(cs corev1.ContainerStatus) cluster.ContainerStatus {
	out := cluster.ContainerStatus{
		Name:         cs.Name,
		RestartCount: cs.RestartCount,
	}
	if w := cs.State.Waiting; w != nil {
		out.WaitingReason = w.Reason
	}
	term := cs.LastTerminationState.Terminated
	if term == nil {
		term = cs.State.Terminated
	}
	if term != nil {
		code := term.ExitCode
		out.ExitCode = &code
		out.ExitReason = term.Reason
		if !term.FinishedAt.IsZero() && cs.LastTerminationState.Terminated != nil {
			at := term.FinishedAt.UTC()
			out.LastRestartTime = &at
		}
	}
	return out
}

func (c *Client) ListEvents(ctx context.Context) ([]cluster.RawEvent, error) {
	events, err := c.core.CoreV1().Events("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]cluster.RawEvent, 0, len(events.Items))
	for _, e := range events.Items {
		out = append(out, rawEvent(e))
	}
	return out, nil
}

func rawEvent(e corev1.Event) cluster.RawEvent {
	last := e.LastTimestamp.Time
	count := e.Count
	if e.Series != nil {
		if last.IsZero() {
			last = e.Series.LastObservedTime.Time
		}
		if count == 0 {
			count = e.Series.Count
		}
	}
	if last.IsZero() {
		last = e.EventTime.Time
	}
	if last.IsZero() {
		last = e.CreationTimestamp.Time
	}
	first := e.FirstTimestamp.Time
	if first.IsZero() {
		first = last
	}
	if count <= 0 {
		count = 1
	}
	component := e.Source.Component
	if component == "" {
		component = e.ReportingController
	}
	uid := string(e.UID)
	if uid == "" {
		uid = e.Namespace + "/" + e.Name
	}
	return cluster.RawEvent{
		UID:             uid,
		Namespace:       e.InvolvedObject.Namespace,
		Name:            e.InvolvedObject.Name,
		Kind:            e.InvolvedObject.Kind,
		Reason:          e.Reason,
		Message:         e.Message,
		Type:            e.Type,
		SourceComponent: component,
		SourceHost:      e.Source.Host,
		FirstTimestamp:  first.UTC(),
		LastTimestamp:   last.UTC(),
		Count:           count,
	}
}

var _ cluster.RuntimeSource = (*Client)(nil)

