package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wwwzy/KubeSentry/internal/cluster"
	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 节点压力类事件原因。
var nodePressureReasons = map[string]struct{}{
	"NodeHasDiskPressure":   {},
	"NodeHasMemoryPressure": {},
	"NodeHasPIDPressure":    {},
	"EvictionThresholdMet":  {},
}

const livenessFailedMarker = "Liveness probe failed"

type PatternReport struct {
	Detected  int
	Created   int
	Refreshed int
	Skipped   int
}

// PatternDetector 从 PodHealth 快照和近期事件中识别 OOM、CrashLoop、探针失败与节点压力，写入智能告警。
type PatternDetector struct {
	store          *storage.Storage
	crashLoopAfter int32
	lookback       time.Duration
	notifier       Notifier
	logger         *slog.Logger
	now            func() time.Time
}

func NewPatternDetector(store *storage.Storage) *PatternDetector {
	return &PatternDetector{
		store:          store,
		crashLoopAfter: 5,
		lookback:       2 * time.Hour,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// WithCrashLoopRestarts 设置判定为 crash_loop 的重启次数下限。
func (d *PatternDetector) WithCrashLoopRestarts(n int) *PatternDetector {
	if n > 0 {
		d.crashLoopAfter = int32(n)
	}
	return d
}

func (d *PatternDetector) WithLookback(lb time.Duration) *PatternDetector {
	if lb > 0 {
		d.lookback = lb
	}
	return d
}

func (d *PatternDetector) WithNotifier(n Notifier) *PatternDetector {
	d.notifier = n
	return d
}

func (d *PatternDetector) WithLogger(l *slog.Logger) *PatternDetector {
	if l != nil {
		d.logger = l
	}
	return d
}

func (d *PatternDetector) WithClock(now func() time.Time) *PatternDetector {
	if now != nil {
		d.now = now
	}
	return d
}

// finding 为一次检测命中；seenAt 为最近一次迹象的时间，用于判断已解决的告警是否需要重新打开。
type finding struct {
	alert  storage.SmartAlert
	seenAt time.Time
}

func (d *PatternDetector) Detect(ctx context.Context, cl storage.Cluster) (PatternReport, error) {
	now := d.now().UTC()
	rows, err := d.store.LatestPodHealthSnapshot(ctx, cl.ID)
	if err != nil {
		return PatternReport{}, err
	}
	since := now.Add(-d.lookback)
	events, err := d.store.QueryClusterEvents(ctx, storage.EventQuery{
		ClusterID: cl.ID,
		Since:     &since,
		Limit:     storage.Unlimited,
	})
	if err != nil {
		return PatternReport{}, err
	}

	findings := d.podFindings(cl.ID, rows, events)
	findings = append(findings, d.eventFindings(cl.ID, events)...)

	var rep PatternReport
	for _, f := range findings {
		rep.Detected++
		resolved, err := d.store.SmartAlertResolvedSince(ctx, cl.ID, f.alert.AlertType, f.alert.ResourceName, f.seenAt)
		if err != nil {
			return rep, err
		}
		if resolved {
			rep.Skipped++
			continue
		}
		w, err := d.store.UpsertOpenSmartAlert(ctx, f.alert)
		if err != nil {
			return rep, fmt.Errorf("upsert smart alert %s/%s: %w", f.alert.AlertType, f.alert.ResourceName, err)
		}
		if !w.Created {
			rep.Refreshed++
			continue
		}
		rep.Created++
		d.logger.Info("smart alert raised",
			"cluster", cl.ID, "type", w.Alert.AlertType, "resource", w.Alert.ResourceName, "severity", w.Alert.Severity)
		if d.notifier != nil {
			if _, err := d.notifier.Dispatch(ctx, SmartAlertEvent(cl, w.Alert, notify.ActionCreate)); err != nil {
				d.logger.Warn("dispatch smart alert notification failed", "cluster", cl.ID, "alert_id", w.Alert.ID, "error", err)
			}
		}
	}
	return rep, nil
}

type podKey struct{ ns, pod string }

type podState struct {
	oomContainers   []string
	crashContainers []string
	maxRestarts     int32
	lastRestart     time.Time
	node            string
}

func (d *PatternDetector) podFindings(clusterID string, rows []storage.PodHealth, events []storage.ClusterEvent) []finding {
	pods := make(map[podKey]*podState)
	var order []podKey
	for _, r := range rows {
		k := podKey{r.Namespace, r.PodName}
		st, ok := pods[k]
		if !ok {
			st = &podState{node: r.NodeName}
			pods[k] = st
			order = append(order, k)
		}
		if r.RestartCount > st.maxRestarts {
			st.maxRestarts = r.RestartCount
		}
		if r.LastRestartTime != nil && r.LastRestartTime.After(st.lastRestart) {
			st.lastRestart = r.LastRestartTime.UTC()
		}
		if r.OOMKilled {
			st.oomContainers = append(st.oomContainers, r.ContainerName)
		}
		if r.WaitingReason == cluster.ReasonCrashLoopBackOff || r.RestartCount >= d.crashLoopAfter {
			st.crashContainers = append(st.crashContainers, r.ContainerName)
		}
	}

	var out []finding
	for _, k := range order {
		st := pods[k]
		related := relatedPodEvents(events, k)
		if len(st.oomContainers) > 0 {
			out = append(out, finding{
				seenAt: st.lastRestart,
				alert: storage.SmartAlert{
					ClusterID:    clusterID,
					AlertType:    storage.SmartOOMKill,
					Severity:     storage.SeverityCritical,
					ResourceType: "pod",
					ResourceName: k.pod,
					Namespace:    k.ns,
					Title:        fmt.Sprintf("Pod %s/%s was OOM killed", k.ns, k.pod),
					Description: fmt.Sprintf("Container(s) %s terminated with OOMKilled on node %s (restarts: %d).",
						strings.Join(st.oomContainers, ", "), nodeOrUnknown(st.node), st.maxRestarts),
					Suggestion:    "Raise the memory limit or reduce the container's memory footprint.",
					RelatedEvents: related,
				},
			})
		}
		if len(st.crashContainers) > 0 {
			out = append(out, finding{
				seenAt: st.lastRestart,
				alert: storage.SmartAlert{
					ClusterID:    clusterID,
					AlertType:    storage.SmartCrashLoop,
					Severity:     storage.SeverityCritical,
					ResourceType: "pod",
					ResourceName: k.pod,
					Namespace:    k.ns,
					Title:        fmt.Sprintf("Pod %s/%s is crash looping", k.ns, k.pod),
					Description: fmt.Sprintf("Container(s) %s keep restarting (restarts: %d).",
						strings.Join(st.crashContainers, ", "), st.maxRestarts),
					Suggestion:    "Inspect the previous container logs and the last termination reason.",
					RelatedEvents: related,
				},
			})
		}
	}
	return out
}

func (d *PatternDetector) eventFindings(clusterID string, events []storage.ClusterEvent) []finding {
	type group struct {
		alert  storage.SmartAlert
		seenAt time.Time
		count  int32
	}
	groups := make(map[string]*group)
	var order []string

	add := func(key string, ev storage.ClusterEvent, mk func() storage.SmartAlert) {
		g, ok := groups[key]
		if !ok {
			g = &group{alert: mk()}
			groups[key] = g
			order = append(order, key)
		}
		g.alert.RelatedEvents = append(g.alert.RelatedEvents, ev.EventUID)
		g.count += ev.Count
		if ev.LastTimestamp.After(g.seenAt) {
			g.seenAt = ev.LastTimestamp
			g.alert.Description = ev.Message
		}
	}

	for _, ev := range events {
		switch {
		case ev.Type == "Warning" && ev.Reason == "Unhealthy" && strings.Contains(ev.Message, livenessFailedMarker):
			ns, name := ev.Namespace, ev.Name
			add(storage.SmartLivenessFailed+"|"+ns+"|"+name, ev, func() storage.SmartAlert {
				return storage.SmartAlert{
					ClusterID:    clusterID,
					AlertType:    storage.SmartLivenessFailed,
					Severity:     storage.SeverityWarning,
					ResourceType: "pod",
					ResourceName: name,
					Namespace:    ns,
					Title:        fmt.Sprintf("Liveness probe failing for %s/%s", ns, name),
					Suggestion:   "Check the probe endpoint, timeouts and initial delay.",
				}
			})
		case isNodePressure(ev.Reason):
			node := ev.Name
			if ev.Kind != "Node" && ev.SourceHost != "" {
				node = ev.SourceHost
			}
			add(storage.SmartNodePressure+"|"+node, ev, func() storage.SmartAlert {
				return storage.SmartAlert{
					ClusterID:    clusterID,
					AlertType:    storage.SmartNodePressure,
					Severity:     storage.SeverityWarning,
					ResourceType: "node",
					ResourceName: node,
					Title:        fmt.Sprintf("Node %s reports resource pressure", node),
					Suggestion:   "Free resources on the node or move workloads away from it.",
				}
			})
		}
	}

	out := make([]finding, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if g.count > 1 {
			g.alert.Description = fmt.Sprintf("%s (seen %d times)", g.alert.Description, g.count)
		}
		out = append(out, finding{alert: g.alert, seenAt: g.seenAt})
	}
	return out
}

func relatedPodEvents(events []storage.ClusterEvent, k podKey) []string {
	var uids []string
	for _, ev := range events {
		if ev.Namespace == k.ns && ev.Name == k.pod {
			uids = append(uids, ev.EventUID)
		}
	}
	sort.Strings(uids)
	return uids
}

func isNodePressure(reason string) bool {
	_, ok := nodePressureReasons[reason]
	return ok
}

func nodeOrUnknown(n string) string {
	if n == "" {
		return "unknown"
	}
	return n
}
