package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/containerd/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/system"

	"github.com/wwwzy/KubeSentry/internal/cluster"
)

// kubelet（dockershim / cri-dockerd）写在容器上的标签。
const (
	labelPodName       = "io.kubernetes.pod.name"
	labelPodNamespace  = "io.kubernetes.pod.namespace"
	labelContainerName = "io.kubernetes.container.name"
	labelDockerType    = "io.kubernetes.docker.type"
	labelRestartCount  = "annotation.io.kubernetes.container.restartCount"

	dockerTypeSandbox = "podsandbox"
)

// API 是 RuntimeSource 用到的 Docker 客户端方法子集，*client.Client 满足它。
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	Info(ctx context.Context) (system.Info, error)
}

// RuntimeSource 通过节点上的 Docker 引擎还原 kubelet 管理的 Pod 状态。
type RuntimeSource struct {
	api API
	// EventWindow 为 ListEvents 回看的时间范围。
	EventWindow time.Duration

	now func() time.Time
}

func NewRuntimeSource(api API) *RuntimeSource {
	return &RuntimeSource{api: api, EventWindow: 2 * time.Hour, now: time.Now}
}

type attempt struct {
	summary container.Summary
	restart int
}

// ListPods 按 (namespace, pod, container) 分组 kubelet 容器，每组的最新一次尝试代表当前状态，
// 上一次尝试代表最近一次终止。
func (s *RuntimeSource) ListPods(ctx context.Context) ([]cluster.PodStatus, error) {
	list, err := s.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelPodName)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	nodeName := ""
	if info, err := s.api.Info(ctx); err == nil {
		nodeName = info.Name
	}

	type podKey struct{ ns, pod string }
	groups := make(map[podKey]map[string][]attempt)
	for _, c := range list {
		if c.Labels[labelDockerType] == dockerTypeSandbox {
			continue
		}
		name := c.Labels[labelContainerName]
		if name == "" {
			continue
		}
		k := podKey{ns: c.Labels[labelPodNamespace], pod: c.Labels[labelPodName]}
		if groups[k] == nil {
			groups[k] = make(map[string][]attempt)
		}
		n, _ := strconv.Atoi(c.Labels[labelRestartCount])
		groups[k][name] = append(groups[k][name], attempt{summary: c, restart: n})
	}

	keys := make([]podKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ns != keys[j].ns {
			return keys[i].ns < keys[j].ns
		}
		return keys[i].pod < keys[j].pod
	})

	out := make([]cluster.PodStatus, 0, len(keys))
	for _, k := range keys {
		ps := cluster.PodStatus{Name: k.pod, Namespace: k.ns, NodeName: nodeName}
		names := make([]string, 0, len(groups[k]))
		for name := range groups[k] {
			names = append(names, name)
		}
		sort.Strings(names)

		var running, failed, succeeded int
		for _, name := range names {
			cs, state, err := s.containerStatus(ctx, name, groups[k][name])
			if err != nil {
				return nil, err
			}
			ps.Containers = append(ps.Containers, cs)
			switch {
			case state == "running":
				running++
			case state == "exited" && cs.ExitCode != nil && *cs.ExitCode == 0:
				succeeded++
			case state == "exited":
				failed++
			}
		}
		ps.Phase = podPhase(len(names), running, failed, succeeded)
		out = append(out, ps)
	}
	return out, nil
}

func (s *RuntimeSource) containerStatus(ctx context.Context, name string, attempts []attempt) (cluster.ContainerStatus, string, error) {
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].restart != attempts[j].restart {
			return attempts[i].restart < attempts[j].restart
		}
		return attempts[i].summary.Created < attempts[j].summary.Created
	})
	latest := attempts[len(attempts)-1]

	restarts := latest.restart
	if restarts < len(attempts)-1 {
		restarts = len(attempts) - 1
	}
	cs := cluster.ContainerStatus{Name: name, RestartCount: int32(restarts)}

	// 最新尝试已退出时，它本身就是最近一次终止；否则取上一次尝试。
	term := latest
	hasTerm := string(latest.summary.State) == "exited"
	if !hasTerm && len(attempts) > 1 {
		term = attempts[len(attempts)-2]
		hasTerm = true
	}
	if hasTerm {
		detail, err := s.api.ContainerInspect(ctx, term.summary.ID)
		// 容器可能在 list 与 inspect 之间被 kubelet 回收，此时只是缺少终止详情。
		if err != nil && !errdefs.IsNotFound(err) {
			return cs, "", fmt.Errorf("failed to inspect container %s: %w", truncateID(term.summary.ID), err)
		}
		if err == nil && detail.ContainerJSONBase != nil && detail.State != nil {
			st := detail.State
			code := int32(st.ExitCode)
			cs.ExitCode = &code
			cs.ExitReason = terminationReason(st)
			if finished, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil && !finished.IsZero() {
				at := finished.UTC()
				cs.LastRestartTime = &at
			}
		}
	}

	// 最新尝试以非零码退出且已经重启过，kubelet 此时处于退避等待。
	if string(latest.summary.State) == "exited" && restarts > 0 && cs.ExitCode != nil && *cs.ExitCode != 0 {
		cs.WaitingReason = cluster.ReasonCrashLoopBackOff
	}
	return cs, string(latest.summary.State), nil
}

func terminationReason(st *container.State) string {
	switch {
	case st.OOMKilled:
		return cluster.ReasonOOMKilled
	case st.ExitCode == 0:
		return "Completed"
	default:
		return "Error"
	}
}

func podPhase(total, running, failed, succeeded int) string {
	switch {
	case total == 0:
		return "Unknown"
	case running > 0:
		return "Running"
	case succeeded == total:
		return "Succeeded"
	case failed > 0:
		return "Failed"
	default:
		return "Pending"
	}
}

var _ cluster.RuntimeSource = (*RuntimeSource)(nil)
