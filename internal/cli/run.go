package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/KubeSentry/internal/monitor"
)

var runStage string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "对所有集群执行一次 pass 并打印结果",
	Long: `立即对所有已配置集群执行一次 pass，不启动周期任务。
--stage 可选 ingest（Pod 状态、事件与模式检测）、analysis（指标、评分、告警、关联、趋势与建议）或 all。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, err := monitor.ParseStage(runStage)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		deps, err := buildPipeline(ctx)
		if err != nil {
			return err
		}
		defer deps.Close()

		res, err := deps.pipeline.Run(ctx, stage)
		if err != nil {
			return err
		}
		printPassResult(res)
		if n := res.Failed(); n > 0 {
			return fmt.Errorf("%d 个集群执行失败", n)
		}
		return nil
	},
}

func printPassResult(res monitor.PassResult) {
	rows := make([][]string, 0, len(res.Clusters))
	for _, c := range res.Clusters {
		score := "-"
		if c.Health != nil {
			score = scoreText(c.Health.OverallScore)
		}
		status := "ok"
		if len(c.Errors) > 0 {
			status = severity("critical")
		}
		rows = append(rows, []string{
			c.ClusterID,
			fmt.Sprintf("%d/%d", c.Pods.Containers, c.Pods.Samples),
			fmt.Sprint(c.Events),
			fmt.Sprintf("%d/%d", c.Collect.Samples, len(c.Collect.Failures)),
			score,
			fmt.Sprintf("%d/%d", c.Thresholds.Created, c.Thresholds.Refreshed),
			fmt.Sprintf("%d/%d", c.Patterns.Created, c.Patterns.Refreshed),
			fmt.Sprint(c.Correlation.Correlated),
			fmt.Sprint(c.Trends.Upserted),
			fmt.Sprint(c.Suggestions.Suggestions),
			status,
		})
	}
	renderTable(os.Stdout,
		fmt.Sprintf("Pass %s (stage=%s, %s)", res.TraceID, res.Stage, res.Duration.Round(time.Millisecond)),
		[]string{"Cluster", "Containers/Samples", "Events", "Metrics/Failures", "Health", "Alerts new/refresh", "Smart new/refresh", "Correlations", "Trends", "Suggestions", "Status"},
		rows)

	for _, c := range res.Clusters {
		for _, err := range c.Errors {
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.ClusterID, err)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runStage, "stage", "all", "执行阶段: ingest/analysis/all")
}
