package collector

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// Query 为目录中的一条命名查询。
type Query struct {
	Name       string `yaml:"name"`
	Expr       string `yaml:"expr"`
	MetricType string `yaml:"metric_type"`
	Unit       string `yaml:"unit"`
	// Alertable 标记百分比类查询，只有它们的样本参与健康评分与阈值检查。
	Alertable bool `yaml:"alertable"`
}

type Catalog []Query

type catalogFile struct {
	Queries []Query `yaml:"queries"`
}

// DefaultCatalog 返回内置的查询目录（node_exporter + kube-state-metrics + cAdvisor）。
func DefaultCatalog() Catalog {
	return Catalog{
		{
			Name:       "node_cpu_percent",
			Expr:       `100 * (1 - avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[5m])))`,
			MetricType: storage.MetricCPU,
			Unit:       "percent",
			Alertable:  true,
		},
		{
			Name:       "node_memory_percent",
			Expr:       `100 * (1 - node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)`,
			MetricType: storage.MetricMemory,
			Unit:       "percent",
			Alertable:  true,
		},
		{
			Name:       "node_disk_percent",
			Expr:       `100 * (1 - node_filesystem_avail_bytes{mountpoint="/",fstype!="rootfs"} / node_filesystem_size_bytes{mountpoint="/",fstype!="rootfs"})`,
			MetricType: storage.MetricDisk,
			Unit:       "percent",
			Alertable:  true,
		},
		{
			Name:       "node_load1",
			Expr:       `node_load1`,
			MetricType: storage.MetricCPU,
			Unit:       "load",
		},
		{
			Name:       "pod_count",
			Expr:       `count by (node) (kube_pod_info)`,
			MetricType: storage.MetricPodCount,
			Unit:       "pods",
		},
		{
			Name:       "pod_cpu_cores",
			Expr:       `sum by (namespace, pod) (rate(container_cpu_usage_seconds_total{container!=""}[5m]))`,
			MetricType: storage.MetricCPU,
			Unit:       "cores",
		},
		{
			Name:       "pod_memory_bytes",
			Expr:       `sum by (namespace, pod) (container_memory_working_set_bytes{container!=""})`,
			MetricType: storage.MetricMemory,
			Unit:       "bytes",
		},
		{
			Name:       "network_rx_bytes",
			Expr:       `sum by (instance) (rate(node_network_receive_bytes_total{device!="lo"}[5m]))`,
			MetricType: storage.MetricNetwork,
			Unit:       "bytes_per_second",
		},
		{
			Name:       "network_tx_bytes",
			Expr:       `sum by (instance) (rate(node_network_transmit_bytes_total{device!="lo"}[5m]))`,
			MetricType: storage.MetricNetwork,
			Unit:       "bytes_per_second",
		},
	}
}

// LoadCatalog 从 YAML 文件读取查询目录，格式为 {queries: [...]}。
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c := Catalog(f.Queries)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("catalog is empty")
	}
	seen := make(map[string]struct{}, len(c))
	for _, q := range c {
		if q.Name == "" {
			return errors.New("query name is required")
		}
		if _, ok := seen[q.Name]; ok {
			return fmt.Errorf("duplicate query %q", q.Name)
		}
		seen[q.Name] = struct{}{}
		if q.Expr == "" {
			return fmt.Errorf("query %q: expr is required", q.Name)
		}
		switch q.MetricType {
		case storage.MetricCPU, storage.MetricMemory, storage.MetricDisk, storage.MetricNetwork, storage.MetricPodCount:
		default:
			return fmt.Errorf("query %q: unknown metric_type %q", q.Name, q.MetricType)
		}
	}
	return nil
}

// Lookup 按名称查找查询；不存在时回落到内置目录中的同名定义。
func (c Catalog) Lookup(name string) (Query, bool) {
	for _, q := range c {
		if q.Name == name {
			return q, true
		}
	}
	for _, q := range DefaultCatalog() {
		if q.Name == name {
			return q, true
		}
	}
	return Query{}, false
}
