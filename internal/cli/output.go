package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	severityStyles = map[string]lipgloss.Style{
		storage.SeverityCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		storage.SeverityWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		storage.SeverityInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
)

func renderTable(w io.Writer, title string, headers []string, rows [][]string) {
	if title != "" {
		fmt.Fprintln(w, titleStyle.Render(title))
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func severity(s string) string {
	if st, ok := severityStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

// scoreText 以颜色区分健康评分区间：>=80 绿，>=50 黄，其余红。
func scoreText(v float64) string {
	color := lipgloss.Color("196")
	switch {
	case v >= 80:
		color = lipgloss.Color("42")
	case v >= 50:
		color = lipgloss.Color("214")
	}
	return lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%.1f", v))
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
