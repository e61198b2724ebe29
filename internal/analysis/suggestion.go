package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

type SuggestionReport struct {
	Alerts      int
	Generated   int
	Suggestions int
}

// SuggestionEngine 为尚无建议的未解决智能告警生成处置建议。
// 告警一旦有建议就不再重新生成。
type SuggestionEngine struct {
	store          *storage.Storage
	oracle         SuggestionOracle
	timeout        time.Duration
	eventsLookback time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewSuggestionEngine(store *storage.Storage, oracle SuggestionOracle) *SuggestionEngine {
	return &SuggestionEngine{
		store:          store,
		oracle:         oracle,
		timeout:        60 * time.Second,
		eventsLookback: time.Hour,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

func (e *SuggestionEngine) WithTimeout(d time.Duration) *SuggestionEngine {
	if d > 0 {
		e.timeout = d
	}
	return e
}

func (e *SuggestionEngine) WithLogger(l *slog.Logger) *SuggestionEngine {
	if l != nil {
		e.logger = l
	}
	return e
}

func (e *SuggestionEngine) WithClock(now func() time.Time) *SuggestionEngine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *SuggestionEngine) Generate(ctx context.Context, cl storage.Cluster) (SuggestionReport, error) {
	alerts, err := e.store.OpenSmartAlertsWithoutSuggestions(ctx, cl.ID)
	if err != nil {
		return SuggestionReport{}, err
	}
	var rep SuggestionReport
	if len(alerts) == 0 || e.oracle == nil {
		rep.Alerts = len(alerts)
		return rep, nil
	}

	cc, err := e.clusterContext(ctx, cl)
	if err != nil {
		return rep, err
	}

	for _, a := range alerts {
		rep.Alerts++
		drafts, ok := e.draft(ctx, a, cc)
		if !ok || len(drafts) == 0 {
			continue
		}
		rows := make([]storage.Suggestion, 0, len(drafts))
		for _, d := range drafts {
			rows = append(rows, NormalizeSuggestion(a.ID, d))
		}
		if err := e.store.InsertSuggestions(ctx, rows); err != nil {
			return rep, err
		}
		rep.Generated++
		rep.Suggestions += len(rows)
	}
	return rep, nil
}

func (e *SuggestionEngine) clusterContext(ctx context.Context, cl storage.Cluster) (ClusterContext, error) {
	cc := ClusterContext{Cluster: cl}
	hs, err := e.store.LatestHealthScore(ctx, cl.ID)
	switch {
	case err == nil:
		cc.Health = hs
	case !isNotFound(err):
		return cc, err
	}
	if cc.Containers, err = e.store.LatestPodHealthSnapshot(ctx, cl.ID); err != nil {
		return cc, err
	}
	since := e.now().UTC().Add(-e.eventsLookback)
	cc.RecentEvents, err = e.store.QueryClusterEvents(ctx, storage.EventQuery{
		ClusterID: cl.ID,
		Since:     &since,
		Limit:     100,
	})
	if err != nil {
		return cc, err
	}
	return cc, nil
}

func (e *SuggestionEngine) draft(ctx context.Context, a storage.SmartAlert, cc ClusterContext) ([]SuggestionDraft, bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	drafts, err := e.oracle.GenerateSuggestions(callCtx, a, cc)
	if err != nil {
		e.logger.Warn("suggestion oracle failed", "cluster", a.ClusterID, "alert_id", a.ID, "error", err)
		return nil, false
	}
	return drafts, true
}

// NormalizeSuggestion 将 oracle 输出落到合法取值：priority 1-5，confidence 0-1，枚举未知时取中间值。
func NormalizeSuggestion(alertID uint64, d SuggestionDraft) storage.Suggestion {
	priority := d.Priority
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	steps := make([]string, 0, len(d.ActionSteps))
	for _, s := range d.ActionSteps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return storage.Suggestion{
		AlertID:                  alertID,
		SuggestionType:           oneOf(d.Type, SuggestionPreventive, SuggestionImmediate, SuggestionPreventive, SuggestionOptimization),
		Priority:                 priority,
		Title:                    strings.TrimSpace(d.Title),
		Description:              strings.TrimSpace(d.Description),
		ActionSteps:              steps,
		EstimatedImpact:          oneOf(d.EstimatedImpact, ImpactMedium, ImpactHigh, ImpactMedium, ImpactLow),
		ImplementationDifficulty: oneOf(d.Difficulty, DifficultyMedium, DifficultyEasy, DifficultyMedium, DifficultyHard),
		AIConfidence:             clamp(d.Confidence, 0, 1),
	}
}

func oneOf(v, fallback string, allowed ...string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
