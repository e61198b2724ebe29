package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions <smart-alert-id>",
	Short: "显示智能告警的处置建议",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		alert, err := store.GetSmartAlert(ctx, id)
		if err != nil {
			return err
		}
		items, err := store.ListSuggestions(ctx, id)
		if err != nil {
			return err
		}

		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return fmt.Errorf("init markdown renderer: %w", err)
		}
		out, err := r.Render(suggestionsMarkdown(*alert, items))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// suggestionsMarkdown 将告警与建议渲染为 Markdown；items 已按 priority 升序排列。
func suggestionsMarkdown(a storage.SmartAlert, items []storage.Suggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", a.Title)
	fmt.Fprintf(&b, "- **Cluster**: %s\n- **Type**: %s\n- **Severity**: %s\n", a.ClusterID, a.AlertType, a.Severity)
	if a.IsResolved {
		b.WriteString("- **State**: resolved\n")
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Description)
	}
	if len(items) == 0 {
		b.WriteString("\n_No suggestions yet. They are generated on the next analysis pass._\n")
		return b.String()
	}
	for _, s := range items {
		fmt.Fprintf(&b, "\n## P%d · %s\n\n", s.Priority, s.Title)
		fmt.Fprintf(&b, "`%s` · impact **%s** · difficulty **%s** · confidence %.0f%%\n\n",
			s.SuggestionType, s.EstimatedImpact, s.ImplementationDifficulty, s.AIConfidence*100)
		if s.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", s.Description)
		}
		for i, step := range s.ActionSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(suggestionsCmd)
}
