package oracle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 按事件原因粗分关联类型。
var (
	contentionReasons = map[string]struct{}{
		"FailedScheduling": {}, "Evicted": {}, "OOMKilling": {}, "Preempted": {},
		"NodeHasDiskPressure": {}, "NodeHasMemoryPressure": {}, "NodeHasPIDPressure": {}, "EvictionThresholdMet": {},
	}
	configurationReasons = map[string]struct{}{
		"FailedMount": {}, "FailedAttachVolume": {}, "CreateContainerConfigError": {},
		"InvalidImageName": {}, "ErrImagePull": {}, "ImagePullBackOff": {}, "Failed": {},
	}
	networkReasons = map[string]struct{}{
		"NetworkNotReady": {}, "FailedCreatePodSandBox": {}, "DNSConfigForming": {},
	}
	networkMarkers = []string{"connection refused", "i/o timeout", "dial tcp", "no route to host", "context deadline exceeded"}
)

// Heuristic 是不依赖外部服务的确定性 oracle。
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

// ScoreCorrelation 由告警占比、同命名空间占比、同对象占比组合出置信度。
func (Heuristic) ScoreCorrelation(_ context.Context, events []storage.ClusterEvent) (analysis.CorrelationVerdict, error) {
	n := len(events)
	if n < 2 {
		return analysis.CorrelationVerdict{}, nil
	}

	warnings := 0
	namespaces := make(map[string]int)
	objects := make(map[string]int)
	for _, ev := range events {
		if ev.Type == "Warning" {
			warnings++
		}
		namespaces[ev.Namespace]++
		objects[ev.Kind+"/"+ev.Namespace+"/"+ev.Name]++
	}
	topObject, objectCount := mostCommon(objects)
	_, nsCount := mostCommon(namespaces)

	warnRatio := float64(warnings) / float64(n)
	nsShare := float64(nsCount) / float64(n)
	objShare := float64(objectCount) / float64(n)
	confidence := 0.2 + 0.3*warnRatio + 0.2*nsShare + 0.3*objShare
	if confidence > 1 {
		confidence = 1
	}

	first := events[0]
	rootCause := fmt.Sprintf("%d of %d events concern %s; earliest: %s: %s",
		objectCount, n, topObject, first.Reason, strings.TrimSpace(first.Message))
	return analysis.CorrelationVerdict{
		Confidence: confidence,
		RootCause:  rootCause,
		Type:       classify(events),
	}, nil
}

func classify(events []storage.ClusterEvent) string {
	var contention, config, network int
	for _, ev := range events {
		if _, ok := contentionReasons[ev.Reason]; ok {
			contention++
		}
		if _, ok := configurationReasons[ev.Reason]; ok {
			config++
		}
		if _, ok := networkReasons[ev.Reason]; ok || hasNetworkMarker(ev.Message) {
			network++
		}
	}
	switch {
	case contention == 0 && config == 0 && network == 0:
		return analysis.CorrelationCascade
	case contention >= config && contention >= network:
		return analysis.CorrelationResourceContention
	case config >= network:
		return analysis.CorrelationConfiguration
	default:
		return analysis.CorrelationNetwork
	}
}

func hasNetworkMarker(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// mostCommon 返回出现次数最多的键；次数相同时取字典序最小者。
func mostCommon(m map[string]int) (string, int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, count := "", 0
	for _, k := range keys {
		if m[k] > count {
			best, count = k, m[k]
		}
	}
	return best, count
}

// ScoreTrend 对重启次数做最小二乘拟合，斜率单位为 次/小时。
func (Heuristic) ScoreTrend(_ context.Context, samples []storage.PodHealthSample) (analysis.TrendVerdict, error) {
	n := len(samples)
	if n < 2 {
		return analysis.TrendVerdict{Direction: analysis.TrendStable}, nil
	}
	slope := RestartSlope(samples)
	score := math.Tanh(slope)

	direction := analysis.TrendStable
	switch {
	case slope > 0.05:
		direction = analysis.TrendIncreasing
	case slope < -0.05:
		direction = analysis.TrendDecreasing
	}

	support := float64(n-1) / 3
	if support > 1 {
		support = 1
	}
	return analysis.TrendVerdict{
		Significance: math.Abs(score) * support,
		Direction:    direction,
		Score:        score,
	}, nil
}

// RestartSlope 返回重启次数随时间（小时）变化的最小二乘斜率。
func RestartSlope(samples []storage.PodHealthSample) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	t0 := samples[0].ObservedAt
	var sx, sy, sxx, sxy float64
	for _, s := range samples {
		x := s.ObservedAt.Sub(t0).Hours()
		y := float64(s.RestartCount)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// GenerateSuggestions 按告警类型套用固定的处置手册。
func (Heuristic) GenerateSuggestions(_ context.Context, alert storage.SmartAlert, cc analysis.ClusterContext) ([]analysis.SuggestionDraft, error) {
	target := alert.ResourceName
	nsFlag := ""
	if alert.Namespace != "" {
		nsFlag = " -n " + alert.Namespace
	}
	restarts := podRestarts(cc.Containers, alert.Namespace, alert.ResourceName)

	switch alert.AlertType {
	case storage.SmartOOMKill:
		memNote := ""
		if cc.Health != nil && cc.Health.MemoryScore < 50 {
			memNote = fmt.Sprintf(" Cluster memory score is %.0f, so check node capacity before raising limits.", cc.Health.MemoryScore)
		}
		return []analysis.SuggestionDraft{
			draft(analysis.SuggestionImmediate, 1, "Raise the container memory limit",
				fmt.Sprintf("Pod %s was killed for exceeding its memory limit (%d restarts).%s", target, restarts, memNote),
				analysis.ImpactHigh, analysis.DifficultyEasy, 0.85,
				fmt.Sprintf("kubectl describe pod %s%s", target, nsFlag),
				"Increase resources.limits.memory on the owning workload by 25-50%",
				"Roll out the workload and watch restart counts"),
			draft(analysis.SuggestionPreventive, 2, "Profile memory usage and align requests",
				"Compare steady-state usage with requests so the scheduler places the pod on a node with enough headroom.",
				analysis.ImpactMedium, analysis.DifficultyMedium, 0.7,
				fmt.Sprintf("kubectl top pod %s%s --containers", target, nsFlag),
				"Set resources.requests.memory close to observed p95 usage"),
		}, nil
	case storage.SmartCrashLoop:
		return []analysis.SuggestionDraft{
			draft(analysis.SuggestionImmediate, 1, "Inspect the previous container logs",
				fmt.Sprintf("Pod %s keeps restarting (%d restarts). The last termination usually names the cause.", target, restarts),
				analysis.ImpactHigh, analysis.DifficultyEasy, 0.8,
				fmt.Sprintf("kubectl logs %s%s --previous", target, nsFlag),
				fmt.Sprintf("kubectl get pod %s%s -o jsonpath='{.status.containerStatuses[*].lastState}'", target, nsFlag)),
			draft(analysis.SuggestionPreventive, 2, "Verify configuration and dependencies",
				"Crash loops are often caused by missing config, secrets or unreachable dependencies at startup.",
				analysis.ImpactMedium, analysis.DifficultyMedium, 0.6,
				"Check referenced ConfigMaps and Secrets exist",
				"Confirm dependent services are reachable from the namespace",
				"Add a startupProbe if the application starts slowly"),
		}, nil
	case storage.SmartLivenessFailed:
		return []analysis.SuggestionDraft{
			draft(analysis.SuggestionImmediate, 2, "Check the liveness probe endpoint",
				fmt.Sprintf("The liveness probe of %s is failing: %s", target, alert.Description),
				analysis.ImpactMedium, analysis.DifficultyEasy, 0.75,
				fmt.Sprintf("kubectl describe pod %s%s", target, nsFlag),
				"Call the probe endpoint from inside the container"),
			draft(analysis.SuggestionOptimization, 3, "Tune probe timing",
				"Probes that fire before the application is ready or time out under load cause needless restarts.",
				analysis.ImpactLow, analysis.DifficultyEasy, 0.6,
				"Increase initialDelaySeconds or add a startupProbe",
				"Raise timeoutSeconds and failureThreshold to tolerate short stalls"),
		}, nil
	case storage.SmartNodePressure:
		return []analysis.SuggestionDraft{
			draft(analysis.SuggestionImmediate, 1, "Relieve pressure on the node",
				fmt.Sprintf("Node %s reports resource pressure and may start evicting pods.", target),
				analysis.ImpactHigh, analysis.DifficultyMedium, 0.8,
				fmt.Sprintf("kubectl describe node %s", target),
				"Remove unused images and completed pods on the node",
				fmt.Sprintf("kubectl cordon %s if pressure persists", target)),
			draft(analysis.SuggestionPreventive, 3, "Plan capacity for the node pool",
				"Recurring pressure means the pool is undersized for its workloads.",
				analysis.ImpactMedium, analysis.DifficultyHard, 0.6,
				"Review requests versus allocatable across the pool",
				"Enable the cluster autoscaler or add nodes"),
		}, nil
	default:
		return []analysis.SuggestionDraft{
			draft(analysis.SuggestionImmediate, 3, "Investigate "+alert.Title, alert.Description,
				analysis.ImpactMedium, analysis.DifficultyMedium, 0.4,
				fmt.Sprintf("kubectl get events%s --sort-by=.lastTimestamp", nsFlag)),
		}, nil
	}
}

func draft(typ string, priority int, title, desc, impact, difficulty string, confidence float64, steps ...string) analysis.SuggestionDraft {
	return analysis.SuggestionDraft{
		Type:            typ,
		Priority:        priority,
		Title:           title,
		Description:     desc,
		ActionSteps:     steps,
		EstimatedImpact: impact,
		Difficulty:      difficulty,
		Confidence:      confidence,
	}
}

func podRestarts(rows []storage.PodHealth, ns, pod string) int32 {
	var total int32
	for _, r := range rows {
		if r.Namespace == ns && r.PodName == pod {
			total += r.RestartCount
		}
	}
	return total
}
