package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/collector"
	"github.com/wwwzy/KubeSentry/internal/storage"
	"github.com/wwwzy/KubeSentry/internal/telemetry"
)

type Stage string

const (
	// StageIngest 读取运行时的 Pod 状态与事件，并执行模式检测。
	StageIngest Stage = "ingest"
	// StageAnalysis 采集指标并执行评分、阈值检查、关联、趋势与建议。
	StageAnalysis Stage = "analysis"
	// StageAll 依次执行 ingest 与 analysis。
	StageAll Stage = "all"
)

func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageIngest, StageAnalysis, StageAll:
		return Stage(s), nil
	case "":
		return StageAll, nil
	default:
		return "", fmt.Errorf("unknown stage %q (want ingest, analysis or all)", s)
	}
}

// ClusterResult 为一个集群在一次 pass 中各阶段的结果。
type ClusterResult struct {
	ClusterID string

	Pods     analysis.TrackReport
	Events   int
	Patterns analysis.PatternReport

	Collect     collector.Report
	Health      *storage.HealthScore
	Thresholds  analysis.ThresholdReport
	Correlation analysis.CorrelationReport
	Trends      analysis.TrendReport
	Suggestions analysis.SuggestionReport

	// Errors 为各阶段的失败，彼此独立；某阶段失败不阻止后续阶段。
	Errors []error
}

func (r ClusterResult) Err() error {
	return errors.Join(r.Errors...)
}

type PassResult struct {
	TraceID   string
	Stage     Stage
	StartedAt time.Time
	Duration  time.Duration
	Clusters  []ClusterResult
}

// Failed 返回至少有一个阶段失败的集群数量。
func (p PassResult) Failed() int {
	n := 0
	for _, c := range p.Clusters {
		if len(c.Errors) > 0 {
			n++
		}
	}
	return n
}

// PipelineOptions 为构造 Pipeline 所需的协作方；零值字段使用默认实现。
type PipelineOptions struct {
	Runtimes RuntimeFactory
	Sources  collector.SourceFactory
	Catalog  collector.Catalog

	CollectConcurrency int
	Thresholds         analysis.Thresholds
	RefreshOnDuplicate bool
	CrashLoopRestarts  int

	Oracle        analysis.Oracle
	OracleTimeout time.Duration
	Notifier      analysis.Notifier

	Metrics     *telemetry.Metrics
	Concurrency int
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Pipeline 对所有集群执行一次 pass。集群之间相互隔离，单个集群失败只记录在结果中。
type Pipeline struct {
	store    *storage.Storage
	runtimes RuntimeFactory

	collector   *collector.Collector
	health      *analysis.HealthScorer
	thresholds  *analysis.ThresholdMonitor
	tracker     *analysis.PodHealthTracker
	ingester    *analysis.EventIngester
	patterns    *analysis.PatternDetector
	correlator  *analysis.EventCorrelator
	trends      *analysis.TrendAnalyzer
	suggestions *analysis.SuggestionEngine

	metrics     *telemetry.Metrics
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewPipeline(store *storage.Storage, opts PipelineOptions) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Sources == nil {
		return nil, errors.New("source factory is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("oracle is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = analysis.DefaultThresholds()
	}
	oracle := telemetry.InstrumentOracle(opts.Oracle, opts.Metrics)

	col, err := collector.New(store, opts.Sources)
	if err != nil {
		return nil, err
	}
	col.WithCatalog(opts.Catalog).
		WithConcurrency(opts.CollectConcurrency).
		WithLogger(opts.Logger).
		WithClock(opts.Clock).
		WithFailureHook(opts.Metrics.QueryFailureHook())

	thresholds := analysis.NewThresholdMonitor(store, opts.Thresholds).
		WithRefresh(opts.RefreshOnDuplicate).
		WithLogger(opts.Logger).
		WithClock(opts.Clock)
	patterns := analysis.NewPatternDetector(store).
		WithCrashLoopRestarts(opts.CrashLoopRestarts).
		WithLogger(opts.Logger).
		WithClock(opts.Clock)
	if opts.Notifier != nil {
		thresholds.WithNotifier(opts.Notifier)
		patterns.WithNotifier(opts.Notifier)
	}

	return &Pipeline{
		store:     store,
		runtimes:  opts.Runtimes,
		collector: col,
		health: analysis.NewHealthScorer(store, opts.Thresholds).
			WithLogger(opts.Logger).
			WithClock(opts.Clock),
		thresholds: thresholds,
		tracker: analysis.NewPodHealthTracker(store).
			WithLogger(opts.Logger).
			WithClock(opts.Clock),
		ingester: analysis.NewEventIngester(store).
			WithLogger(opts.Logger),
		patterns: patterns,
		correlator: analysis.NewEventCorrelator(store, oracle).
			WithTimeout(opts.OracleTimeout).
			WithLogger(opts.Logger).
			WithClock(opts.Clock),
		trends: analysis.NewTrendAnalyzer(store, oracle).
			WithTimeout(opts.OracleTimeout).
			WithLogger(opts.Logger).
			WithClock(opts.Clock),
		suggestions: analysis.NewSuggestionEngine(store, oracle).
			WithTimeout(opts.OracleTimeout).
			WithLogger(opts.Logger).
			WithClock(opts.Clock),
		metrics:     opts.Metrics,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		now:         opts.Clock,
	}, nil
}

// Run 对所有已登记集群执行一次 pass。只有读取集群列表失败时返回 error。
func (p *Pipeline) Run(ctx context.Context, stage Stage) (PassResult, error) {
	res := PassResult{
		TraceID:   uuid.NewString(),
		Stage:     stage,
		StartedAt: p.now().UTC(),
	}
	start := time.Now()

	clusters, err := p.store.ListClusters(ctx)
	if err != nil {
		return res, fmt.Errorf("list clusters: %w", err)
	}

	ctx = analysis.WithTraceID(ctx, res.TraceID)
	res.Clusters = make([]ClusterResult, len(clusters))
	wp := pool.New().WithMaxGoroutines(p.concurrency)
	for i, cl := range clusters {
		wp.Go(func() {
			res.Clusters[i] = p.runCluster(ctx, stage, cl)
		})
	}
	wp.Wait()

	res.Duration = time.Since(start)
	p.metrics.ObservePass(string(stage), res.Duration, res.Failed())
	return res, nil
}

func (p *Pipeline) runCluster(ctx context.Context, stage Stage, cl storage.Cluster) (out ClusterResult) {
	out.ClusterID = cl.ID
	defer func() {
		if r := recover(); r != nil {
			out.Errors = append(out.Errors, fmt.Errorf("panic: %v", r))
			p.metrics.ClusterError(cl.ID, string(stage))
		}
	}()

	if stage == StageIngest || stage == StageAll {
		p.ingest(ctx, cl, &out)
	}
	if stage == StageAnalysis || stage == StageAll {
		p.analyze(ctx, cl, &out)
	}
	return out
}

func (p *Pipeline) fail(out *ClusterResult, clusterID, step string, err error) {
	out.Errors = append(out.Errors, fmt.Errorf("%s: %w", step, err))
	p.metrics.ClusterError(clusterID, step)
	p.logger.Warn("pipeline step failed", "cluster", clusterID, "step", step, "error", err)
}

func (p *Pipeline) ingest(ctx context.Context, cl storage.Cluster, out *ClusterResult) {
	if p.runtimes == nil {
		return
	}
	rt, err := p.runtimes(cl)
	if err != nil {
		p.fail(out, cl.ID, "runtime", err)
		return
	}
	if rt == nil {
		return
	}

	if pods, err := rt.ListPods(ctx); err != nil {
		p.fail(out, cl.ID, "list pods", err)
	} else if out.Pods, err = p.tracker.Track(ctx, cl.ID, pods); err != nil {
		p.fail(out, cl.ID, "track pods", err)
	}

	if events, err := rt.ListEvents(ctx); err != nil {
		p.fail(out, cl.ID, "list events", err)
	} else if out.Events, err = p.ingester.Ingest(ctx, cl.ID, events); err != nil {
		p.fail(out, cl.ID, "ingest events", err)
	}

	rep, err := p.patterns.Detect(ctx, cl)
	out.Patterns = rep
	if err != nil {
		p.fail(out, cl.ID, "detect patterns", err)
	}
	p.metrics.AlertsRaised(cl.ID, "smart", rep.Created)
}

func (p *Pipeline) analyze(ctx context.Context, cl storage.Cluster, out *ClusterResult) {
	var err error

	if out.Collect, err = p.collector.Collect(ctx, cl); err != nil {
		p.fail(out, cl.ID, "collect", err)
	}

	score, err := p.health.Score(ctx, cl.ID)
	switch {
	case errors.Is(err, analysis.ErrNoRecentMetrics):
		p.logger.Debug("skip health score", "cluster", cl.ID, "reason", err)
	case err != nil:
		p.fail(out, cl.ID, "health score", err)
	default:
		out.Health = score
		p.metrics.SetHealthScore(score)
	}

	if out.Thresholds, err = p.thresholds.Check(ctx, cl); err != nil {
		p.fail(out, cl.ID, "threshold check", err)
	}
	p.metrics.AlertsRaised(cl.ID, "threshold", out.Thresholds.Created)

	if out.Correlation, err = p.correlator.Correlate(ctx, cl.ID); err != nil {
		p.fail(out, cl.ID, "correlate events", err)
	}
	if out.Trends, err = p.trends.Analyze(ctx, cl.ID); err != nil {
		p.fail(out, cl.ID, "analyze trends", err)
	}
	if out.Suggestions, err = p.suggestions.Generate(ctx, cl); err != nil {
		p.fail(out, cl.ID, "generate suggestions", err)
	}

	if threshold, smart, err := p.store.CountOpenAlerts(ctx, cl.ID); err == nil {
		p.metrics.SetOpenAlerts(cl.ID, threshold, smart)
	}
}
