package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"github.com/wwwzy/KubeSentry/internal/cluster"
	"github.com/wwwzy/KubeSentry/internal/collector"
	"github.com/wwwzy/KubeSentry/internal/docker"
	"github.com/wwwzy/KubeSentry/internal/kube"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// RuntimeFactory 按集群配置返回运行时状态来源；runtime=none 时返回 nil。
type RuntimeFactory func(c storage.Cluster) (cluster.RuntimeSource, error)

// Connector 按集群配置构造并缓存 Kubernetes 与 Docker 客户端。
type Connector struct {
	queryTimeout time.Duration
	concurrency  int

	mu      sync.Mutex
	kube    map[string]*kube.Client
	dockers map[string]*client.Client
}

func NewConnector(queryTimeout time.Duration, concurrency int) *Connector {
	return &Connector{
		queryTimeout: queryTimeout,
		concurrency:  concurrency,
		kube:         make(map[string]*kube.Client),
		dockers:      make(map[string]*client.Client),
	}
}

// Runtime 满足 RuntimeFactory。
func (c *Connector) Runtime(cl storage.Cluster) (cluster.RuntimeSource, error) {
	switch cl.Runtime {
	case storage.RuntimeKube:
		kc, err := c.kubeClient(cl)
		if err != nil {
			return nil, err
		}
		return kc, nil
	case storage.RuntimeDocker:
		cli, err := c.dockerClient(cl.DockerHost)
		if err != nil {
			return nil, err
		}
		return docker.NewRuntimeSource(cli), nil
	case "", storage.RuntimeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", cl.Runtime)
	}
}

// Source 满足 collector.SourceFactory。
func (c *Connector) Source(cl storage.Cluster, src storage.MetricSource) (collector.Source, error) {
	switch src.Kind {
	case storage.SourcePrometheus:
		q, err := collector.NewPrometheusQuerier(src.Endpoint, src.AuthToken, c.queryTimeout)
		if err != nil {
			return nil, err
		}
		return collector.QuerySource{Querier: q, Concurrency: c.concurrency}, nil
	case storage.SourceMetricsServer:
		kc, err := c.kubeClient(cl)
		if err != nil {
			return nil, err
		}
		return kc.MetricsSource(), nil
	default:
		return nil, fmt.Errorf("unknown metric source kind %q", src.Kind)
	}
}

func (c *Connector) kubeClient(cl storage.Cluster) (*kube.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kc, ok := c.kube[cl.ID]; ok {
		return kc, nil
	}
	kc, err := kube.New(cl.Kubeconfig, cl.Context)
	if err != nil {
		return nil, err
	}
	c.kube[cl.ID] = kc
	return kc, nil
}

func (c *Connector) dockerClient(host string) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.dockers[host]; ok {
		return cli, nil
	}
	cli, err := docker.NewClient(host)
	if err != nil {
		return nil, err
	}
	c.dockers[host] = cli
	return cli, nil
}

// Close 关闭缓存的 Docker 客户端。
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for host, cli := range c.dockers {
		if err := cli.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close docker client %q: %w", host, err))
		}
	}
	c.dockers = make(map[string]*client.Client)
	return errors.Join(errs...)
}
