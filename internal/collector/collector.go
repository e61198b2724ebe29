package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// Result 为一条目录查询在某个指标源上的执行结果。
type Result struct {
	Query  Query
	Series []Series
	Err    error
}

// Source 是一个可采集的指标源。
type Source interface {
	Fetch(ctx context.Context, catalog Catalog) []Result
}

// SourceFactory 按 MetricSource 配置构造 Source。
type SourceFactory func(c storage.Cluster, src storage.MetricSource) (Source, error)

// QuerySource 在一个 Querier 上执行整份目录，各查询并发且相互独立。
type QuerySource struct {
	Querier     Querier
	Concurrency int
}

func (s QuerySource) Fetch(ctx context.Context, catalog Catalog) []Result {
	out := make([]Result, len(catalog))
	p := pool.New().WithMaxGoroutines(max(1, s.Concurrency))
	for i, q := range catalog {
		p.Go(func() {
			series, err := s.Querier.Query(ctx, q.Expr)
			out[i] = Result{Query: q, Series: series, Err: err}
		})
	}
	p.Wait()
	return out
}

// QueryFailure 记录一次失败的查询（或无法构造的指标源，此时 Query 为空）。
type QueryFailure struct {
	Source string
	Query  string
	Err    error
}

type Report struct {
	Sources  int
	Scraped  int
	Samples  int
	Failures []QueryFailure
}

// FailureHook 在每次查询失败时回调，用于自监控计数。
type FailureHook func(clusterID string, f QueryFailure)

type Collector struct {
	store   *storage.Storage
	factory SourceFactory
	catalog Catalog

	concurrency int
	logger      *slog.Logger
	onFailure   FailureHook
	now         func() time.Time
}

func New(store *storage.Storage, factory SourceFactory) (*Collector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if factory == nil {
		return nil, errors.New("source factory is required")
	}
	return &Collector{
		store:       store,
		factory:     factory,
		catalog:     DefaultCatalog(),
		concurrency: 4,
		logger:      slog.Default(),
		now:         time.Now,
	}, nil
}

func (c *Collector) WithCatalog(catalog Catalog) *Collector {
	if len(catalog) > 0 {
		c.catalog = catalog
	}
	return c
}

func (c *Collector) WithConcurrency(n int) *Collector {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

func (c *Collector) WithLogger(l *slog.Logger) *Collector {
	if l != nil {
		c.logger = l
	}
	return c
}

func (c *Collector) WithFailureHook(fn FailureHook) *Collector {
	c.onFailure = fn
	return c
}

func (c *Collector) WithClock(now func() time.Time) *Collector {
	if now != nil {
		c.now = now
	}
	return c
}

// Collect 对集群所有启用的指标源执行一轮采集。
// 单条查询或单个指标源的失败只记录在 Report 中；只有写库失败才返回 error。
func (c *Collector) Collect(ctx context.Context, cl storage.Cluster) (Report, error) {
	sources, err := c.store.ListMetricSources(ctx, cl.ID)
	if err != nil {
		return Report{}, err
	}

	at := c.now().UTC()
	rep := Report{Sources: len(sources)}

	type sourceOutcome struct {
		samples  []storage.MetricSample
		failures []QueryFailure
		ok       bool
	}
	outcomes := make([]sourceOutcome, len(sources))

	p := pool.New().WithMaxGoroutines(max(1, c.concurrency))
	for i, src := range sources {
		p.Go(func() {
			s, err := c.factory(cl, src)
			if err != nil {
				outcomes[i].failures = append(outcomes[i].failures, QueryFailure{Source: src.Name, Err: err})
				return
			}
			for _, r := range s.Fetch(ctx, c.catalog) {
				if r.Err != nil {
					outcomes[i].failures = append(outcomes[i].failures, QueryFailure{Source: src.Name, Query: r.Query.Name, Err: r.Err})
					continue
				}
				outcomes[i].ok = true
				for _, series := range r.Series {
					outcomes[i].samples = append(outcomes[i].samples, toSample(cl.ID, r.Query, series, at))
				}
			}
		})
	}
	p.Wait()

	var samples []storage.MetricSample
	for i, o := range outcomes {
		for _, f := range o.failures {
			c.logger.Warn("metric query failed",
				"cluster", cl.ID, "source", f.Source, "query", f.Query, "error", f.Err)
			if c.onFailure != nil {
				c.onFailure(cl.ID, f)
			}
		}
		rep.Failures = append(rep.Failures, o.failures...)
		samples = append(samples, o.samples...)
		if o.ok {
			rep.Scraped++
			if err := c.store.MarkSourceScraped(ctx, sources[i].ID, at); err != nil {
				return rep, fmt.Errorf("mark source %s scraped: %w", sources[i].Name, err)
			}
		}
	}

	if err := c.store.InsertMetricSamples(ctx, samples); err != nil {
		return rep, err
	}
	rep.Samples = len(samples)
	return rep, nil
}

func toSample(clusterID string, q Query, s Series, at time.Time) storage.MetricSample {
	labels := s.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	node := labels["node"]
	if node == "" {
		node = stripPort(labels["instance"])
	}
	return storage.MetricSample{
		ClusterID:    clusterID,
		MetricType:   q.MetricType,
		MetricName:   q.Name,
		Value:        s.Value,
		Unit:         q.Unit,
		NodeName:     node,
		Namespace:    labels["namespace"],
		ResourceName: labels["pod"],
		Labels:       labels,
		Alertable:    q.Alertable,
		Timestamp:    at,
	}
}

// stripPort 去掉 instance 标签中的端口部分（host:9100 -> host）。
func stripPort(instance string) string {
	if instance == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(instance); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(instance, "["), "]")
}
