package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/wwwzy/KubeSentry/internal/collector"
)

// metrics-server 源产出的查询名，与默认目录中的同名查询共用类型/单位定义。
const (
	queryNodeCPU    = "node_cpu_percent"
	queryNodeMemory = "node_memory_percent"
	queryPodCount   = "pod_count"
)

// MetricsServerSource 从 metrics.k8s.io 读取节点用量，按 allocatable 折算为百分比。
// 它忽略 PromQL 目录，只产出 node_cpu_percent、node_memory_percent 与按节点的 pod_count。
type MetricsServerSource struct {
	client *Client
}

func (c *Client) MetricsSource() *MetricsServerSource {
	return &MetricsServerSource{client: c}
}

func (s *MetricsServerSource) Fetch(ctx context.Context, catalog collector.Catalog) []collector.Result {
	cpuQ, _ := catalog.Lookup(queryNodeCPU)
	memQ, _ := catalog.Lookup(queryNodeMemory)
	podQ, _ := catalog.Lookup(queryPodCount)

	results := []collector.Result{{Query: cpuQ}, {Query: memQ}, {Query: podQ}}

	nodes, err := s.client.core.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		err = fmt.Errorf("list nodes: %w", err)
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	if s.client.metrics == nil {
		results[0].Err = fmt.Errorf("metrics client not initialized")
		results[1].Err = results[0].Err
	} else if usage, err := s.client.metrics.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{}); err != nil {
		results[0].Err = fmt.Errorf("list node metrics: %w", err)
		results[1].Err = results[0].Err
	} else {
		byName := make(map[string]corev1.ResourceList, len(usage.Items))
		for _, nm := range usage.Items {
			byName[nm.Name] = nm.Usage
		}
		for _, n := range nodes.Items {
			u, ok := byName[n.Name]
			if !ok {
				continue
			}
			labels := map[string]string{"node": n.Name}
			if pct, ok := percentOf(u, n.Status.Allocatable, corev1.ResourceCPU, true); ok {
				results[0].Series = append(results[0].Series, collector.Series{Value: pct, Labels: labels})
			}
			if pct, ok := percentOf(u, n.Status.Allocatable, corev1.ResourceMemory, false); ok {
				results[1].Series = append(results[1].Series, collector.Series{Value: pct, Labels: labels})
			}
		}
	}

	pods, err := s.client.core.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		results[2].Err = fmt.Errorf("list pods: %w", err)
		return results
	}
	perNode := make(map[string]int, len(nodes.Items))
	for _, n := range nodes.Items {
		perNode[n.Name] = 0
	}
	for _, p := range pods.Items {
		if p.Spec.NodeName == "" {
			continue
		}
		perNode[p.Spec.NodeName]++
	}
	for node, count := range perNode {
		results[2].Series = append(results[2].Series, collector.Series{
			Value:  float64(count),
			Labels: map[string]string{"node": node},
		})
	}
	return results
}

// percentOf 计算 usage/allocatable*100；CPU 按毫核比较，内存按字节。
func percentOf(usage, allocatable corev1.ResourceList, name corev1.ResourceName, milli bool) (float64, bool) {
	u, ok := usage[name]
	if !ok {
		return 0, false
	}
	a, ok := allocatable[name]
	if !ok {
		return 0, false
	}
	var used, total int64
	if milli {
		used, total = u.MilliValue(), a.MilliValue()
	} else {
		used, total = u.Value(), a.Value()
	}
	if total <= 0 {
		return 0, false
	}
	return float64(used) * 100 / float64(total), true
}

var _ collector.Source = (*MetricsServerSource)(nil)
