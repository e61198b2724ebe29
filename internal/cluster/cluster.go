package cluster

import (
	"context"
	"time"
)

// 终止原因与等待原因中与模式检测相关的取值。
const (
	ReasonOOMKilled        = "OOMKilled"
	ReasonCrashLoopBackOff = "CrashLoopBackOff"
)

// ContainerStatus 为单个容器的运行状态。
type ContainerStatus struct {
	Name         string
	RestartCount int32
	// LastRestartTime 为上一次终止（即最近一次重启）的结束时间。
	LastRestartTime *time.Time
	// ExitCode/ExitReason 取自上一次终止状态；从未终止过时为空。
	ExitCode   *int32
	ExitReason string
	// WaitingReason 为当前处于等待态时的原因，例如 CrashLoopBackOff。
	WaitingReason string
}

// PodStatus 为运行时上报的 Pod 快照。
type PodStatus struct {
	Name       string
	Namespace  string
	NodeName   string
	Phase      string
	Containers []ContainerStatus
}

// RawEvent 为运行时上报的集群事件。
type RawEvent struct {
	UID             string
	Namespace       string
	Name            string
	Kind            string
	Reason          string
	Message         string
	Type            string
	SourceComponent string
	SourceHost      string
	FirstTimestamp  time.Time
	LastTimestamp   time.Time
	Count           int32
}

// RuntimeSource 是集群运行时状态的只读来源。
type RuntimeSource interface {
	ListPods(ctx context.Context) ([]PodStatus, error)
	ListEvents(ctx context.Context) ([]RawEvent, error)
}

// OOMKilled 当且仅当上一次终止原因为 OOMKilled。
func (c ContainerStatus) OOMKilled() bool {
	return c.ExitReason == ReasonOOMKilled
}

// NormalizePhase 将未知或空的 Pod phase 归一为 Unknown。
func NormalizePhase(phase string) string {
	switch phase {
	case "Running", "Pending", "Failed", "Succeeded":
		return phase
	default:
		return "Unknown"
	}
}

// Static 是一个固定返回给定快照的 RuntimeSource，runtime=none 或测试时使用。
type Static struct {
	Pods   []PodStatus
	Events []RawEvent
}

func (s Static) ListPods(context.Context) ([]PodStatus, error)  { return s.Pods, nil }
func (s Static) ListEvents(context.Context) ([]RawEvent, error) { return s.Events, nil }
