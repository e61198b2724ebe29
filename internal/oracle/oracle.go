package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wwwzy/KubeSentry/internal/analysis"
)

const (
	ProviderHeuristic = "heuristic"
	ProviderArk       = "ark"
)

type Config struct {
	// Provider 为 heuristic 或 ark。
	Provider string `mapstructure:"provider"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", ProviderHeuristic, ProviderArk:
		return nil
	default:
		return fmt.Errorf("oracle.provider must be %q or %q, got %q", ProviderHeuristic, ProviderArk, c.Provider)
	}
}

// New 按配置构造 oracle；ark 需要有效的 ArkConfig，审计记录写入 store。
func New(ctx context.Context, cfg Config, arkCfg ArkConfig, store AuditStore, logger *slog.Logger) (analysis.Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderArk:
		cm, err := NewChatModel(ctx, arkCfg)
		if err != nil {
			return nil, fmt.Errorf("init ark chat model: %w", err)
		}
		return NewLLM(cm, store, logger), nil
	default:
		return NewHeuristic(), nil
	}
}
