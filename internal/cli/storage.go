package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/KubeSentry/internal/monitor"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、清理监控数据和审计记录的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

// pruneAuditCmd represents the prune-audit command
var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理 oracle 审计记录",
	Long:  `根据用户指定的保留条数或天数，清理旧的审计记录。`,
	RunE:  runPruneAudit,
}

// pruneMonitorCmd represents the prune-monitor command
var pruneMonitorCmd = &cobra.Command{
	Use:   "prune-monitor",
	Short: "根据配置文件立即清理监控数据",
	Long:  `忽略定时任务间隔，立即执行一次全量的保留策略清理。读取配置文件中的 monitor.retention 策略。`,
	RunE:  runPruneMonitor,
}

var (
	keepAuditCount int
	keepAuditDays  int
)

func init() {
	pruneAuditCmd.Flags().IntVar(&keepAuditCount, "keep", 0, "保留最近的 N 条记录")
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 0, "保留最近 N 天的记录")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneMonitorCmd)
	storageCmd.AddCommand(pruneAuditCmd)
}

func runPruneAudit(cmd *cobra.Command, args []string) error {
	if keepAuditCount <= 0 && keepAuditDays <= 0 {
		_ = cmd.Usage()
		return errors.New("must specify either --keep or --days")
	}

	ctx := context.Background()
	fmt.Println("Opening database...")
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var deleted int64

	if keepAuditCount > 0 {
		fmt.Printf("Pruning audit records, keeping latest %d records...\n", keepAuditCount)
		n, err := store.DeleteAuditRecordsKeepLatest(ctx, keepAuditCount)
		if err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
		deleted += n
	}

	if keepAuditDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
		fmt.Printf("Pruning audit records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))
		n, err := store.DeleteAuditRecordsBefore(ctx, before)
		if err != nil {
			return fmt.Errorf("prune by days: %w", err)
		}
		deleted += n
	}

	fmt.Printf("Prune completed. Deleted %d records.\n", deleted)
	if n, err := store.CountAuditRecords(ctx); err == nil {
		fmt.Printf("Remaining Audit Records: %d\n", n)
	}
	return nil
}

func runPruneMonitor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	fmt.Println("Opening database...")
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	policy := cfg.Monitor.Retention
	fmt.Println("Starting prune job (this may take a while)...")
	fmt.Printf("Policy: metrics keep_all=%v keep_anomaly_until=%v, history=%v, health_scores=%v\n",
		policy.Metrics.KeepAll, policy.Metrics.KeepAnomalyUntil, policy.KeepHistory, policy.KeepHealthScores)

	ret, err := monitor.NewRetentionCollector(store)
	if err != nil {
		return err
	}
	ret.WithConfig(policy).WithLogger(logger)
	if err := ret.RunOnce(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}

	fmt.Println("Prune completed successfully.")
	if n, err := store.CountMetricSamples(ctx); err == nil {
		fmt.Printf("Remaining Metric Samples: %d\n", n)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// 1. 数据库文件信息
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if abs, err := filepath.Abs(dbPath); err == nil {
			dbPath = abs
		}
	}

	var dbSize string
	info, err := os.Stat(dbPath)
	switch {
	case os.IsNotExist(err):
		dbSize = "Not Found (Will be created on first run)"
	case err != nil:
		dbSize = fmt.Sprintf("Error: %v", err)
	default:
		dbSize = fmt.Sprintf("%.2f MB (%s)", float64(info.Size())/1024/1024, dbPath)
	}

	// 2. 连接数据库
	store, err := openStore(ctx)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSize)
		return err
	}
	defer store.Close()

	// 3. 各表行数
	counts, err := store.TableCounts(ctx)
	if err != nil {
		fmt.Printf("Error counting rows: %v\n", err)
	}

	fmt.Printf("Database File: %s\n\n", dbSize)
	rows := make([][]string, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, []string{c.Table, fmt.Sprint(c.Rows)})
	}
	renderTable(os.Stdout, "", []string{"Table", "Rows"}, rows)
	return nil
}
