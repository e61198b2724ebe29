package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// ErrUnparsable 表示模型输出无法解析为约定的 JSON。
var ErrUnparsable = errors.New("unparsable oracle output")

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

// NewChatModel 初始化 Ark ChatModel
func NewChatModel(ctx context.Context, cfg ArkConfig) (*ark.ChatModel, error) {
	if cfg.APIKey == "" || cfg.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.ModelID,
		BaseURL: cfg.BaseURL,
	})
}

// LLM 通过语言模型完成三种评分，每次调用都写入审计记录。
type LLM struct {
	model  model.BaseChatModel
	audit  auditor
	logger *slog.Logger

	correlationTpl prompt.ChatTemplate
	trendTpl       prompt.ChatTemplate
	suggestionTpl  prompt.ChatTemplate
}

// NewLLM 使用给定的 chat model 构造 oracle；store 为 nil 时不写审计。
func NewLLM(m model.BaseChatModel, store AuditStore, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		model:          m,
		audit:          auditor{store: store, logger: logger},
		logger:         logger,
		correlationTpl: newTemplate(correlationPrompt),
		trendTpl:       newTemplate(trendPrompt),
		suggestionTpl:  newTemplate(suggestionPrompt),
	}
}

type eventView struct {
	UID       string    `json:"uid"`
	Kind      string    `json:"kind"`
	Namespace string    `json:"namespace,omitempty"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Count     int32     `json:"count"`
	Last      time.Time `json:"last_timestamp"`
}

func viewEvents(events []storage.ClusterEvent) []eventView {
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{
			UID:       ev.EventUID,
			Kind:      ev.Kind,
			Namespace: ev.Namespace,
			Name:      ev.Name,
			Type:      ev.Type,
			Reason:    ev.Reason,
			Message:   ev.Message,
			Count:     ev.Count,
			Last:      ev.LastTimestamp,
		})
	}
	return out
}

func (l *LLM) ScoreCorrelation(ctx context.Context, events []storage.ClusterEvent) (analysis.CorrelationVerdict, error) {
	var v analysis.CorrelationVerdict
	err := l.ask(ctx, ActionCorrelation, l.correlationTpl, map[string]any{"events": viewEvents(events)}, &v)
	if err != nil {
		return analysis.CorrelationVerdict{}, err
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return analysis.CorrelationVerdict{}, fmt.Errorf("%w: confidence %g out of range", ErrUnparsable, v.Confidence)
	}
	return v, nil
}

type sampleView struct {
	RestartCount int32     `json:"restart_count"`
	Status       string    `json:"status"`
	OOMKilled    bool      `json:"oom_killed"`
	ObservedAt   time.Time `json:"observed_at"`
}

func (l *LLM) ScoreTrend(ctx context.Context, samples []storage.PodHealthSample) (analysis.TrendVerdict, error) {
	views := make([]sampleView, 0, len(samples))
	for _, s := range samples {
		views = append(views, sampleView{RestartCount: s.RestartCount, Status: s.Status, OOMKilled: s.OOMKilled, ObservedAt: s.ObservedAt})
	}
	payload := map[string]any{"samples": views}
	if len(samples) > 0 {
		payload["pod"] = samples[0].Namespace + "/" + samples[0].PodName
	}
	var v analysis.TrendVerdict
	if err := l.ask(ctx, ActionTrend, l.trendTpl, payload, &v); err != nil {
		return analysis.TrendVerdict{}, err
	}
	if v.Significance < 0 || v.Significance > 1 {
		return analysis.TrendVerdict{}, fmt.Errorf("%w: significance %g out of range", ErrUnparsable, v.Significance)
	}
	return v, nil
}

func (l *LLM) GenerateSuggestions(ctx context.Context, alert storage.SmartAlert, cc analysis.ClusterContext) ([]analysis.SuggestionDraft, error) {
	payload := map[string]any{
		"alert": map[string]any{
			"type":        alert.AlertType,
			"severity":    alert.Severity,
			"resource":    alert.ResourceType + "/" + alert.ResourceName,
			"namespace":   alert.Namespace,
			"title":       alert.Title,
			"description": alert.Description,
		},
		"cluster": cc.Cluster.Name,
		"events":  viewEvents(cc.RecentEvents),
	}
	if cc.Health != nil {
		payload["health"] = map[string]float64{
			"overall": cc.Health.OverallScore,
			"cpu":     cc.Health.CPUScore,
			"memory":  cc.Health.MemoryScore,
			"disk":    cc.Health.DiskScore,
			"pods":    cc.Health.PodHealth,
		}
	}
	var containers []map[string]any
	for _, c := range cc.Containers {
		if c.Namespace != alert.Namespace || c.PodName != alert.ResourceName {
			continue
		}
		containers = append(containers, map[string]any{
			"container":     c.ContainerName,
			"restart_count": c.RestartCount,
			"exit_reason":   c.ExitReason,
			"waiting":       c.WaitingReason,
			"status":        c.Status,
		})
	}
	payload["containers"] = containers

	var out struct {
		Suggestions []analysis.SuggestionDraft `json:"suggestions"`
	}
	if err := l.ask(ctx, ActionSuggestion, l.suggestionTpl, payload, &out); err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}

// ask 渲染提示词、调用模型，并把回复中的 JSON 解码到 dst。
func (l *LLM) ask(ctx context.Context, action string, tpl prompt.ChatTemplate, payload any, dst any) error {
	input, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", action, err)
	}
	msgs, err := tpl.Format(ctx, map[string]any{"payload": string(input)})
	if err != nil {
		return fmt.Errorf("format %s prompt: %w", action, err)
	}

	_, err = l.audit.run(ctx, action, string(input), func(ctx context.Context) (string, error) {
		resp, err := l.model.Generate(ctx, msgs)
		if err != nil {
			return "", err
		}
		if resp == nil {
			return "", fmt.Errorf("%w: empty response", ErrUnparsable)
		}
		raw := extractJSON(resp.Content)
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return resp.Content, fmt.Errorf("%w: %v", ErrUnparsable, err)
		}
		return raw, nil
	})
	return err
}

// extractJSON 去掉 markdown 代码块等包裹，截取第一个 JSON 对象。
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

func newTemplate(system string) prompt.ChatTemplate {
	return prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(system),
		schema.UserMessage("{{.payload}}"),
	)
}

const correlationPrompt = `You are a Kubernetes site reliability engineer.
The user message is a JSON object whose "events" field lists cluster events that happened within the same five minute window.
Decide whether they share a common cause.
Reply with a single JSON object and nothing else:
{"confidence": <number between 0 and 1>, "root_cause": "<one or two sentences>", "type": "<cascade|resource_contention|network|configuration>"}`

const trendPrompt = `You are a Kubernetes site reliability engineer.
The user message is a JSON object describing one pod: "samples" lists its restart counts over the last 24 hours in time order.
Judge whether restarts are trending.
Reply with a single JSON object and nothing else:
{"significance": <number between 0 and 1>, "direction": "<increasing|decreasing|stable>", "score": <number between -1 and 1>}`

const suggestionPrompt = `You are a Kubernetes site reliability engineer.
The user message is a JSON object with an "alert" raised by the monitoring pipeline and the surrounding cluster context.
Propose concrete remediation steps.
Reply with a single JSON object and nothing else:
{"suggestions": [{"type": "<immediate|preventive|optimization>", "priority": <1-5, 1 is most urgent>, "title": "...", "description": "...", "action_steps": ["..."], "estimated_impact": "<high|medium|low>", "difficulty": "<easy|medium|hard>", "confidence": <number between 0 and 1>}]}`
