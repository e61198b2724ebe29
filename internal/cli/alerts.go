package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

var (
	alertsCluster string
	alertsAll     bool
	alertsSmart   bool
	alertsLimit   int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "查看与处理告警",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出阈值告警与智能告警（默认只显示未解决）",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if !alertsSmart {
			alerts, err := store.QueryAlerts(ctx, storage.AlertQuery{
				ClusterID: alertsCluster,
				OpenOnly:  !alertsAll,
				Limit:     alertsLimit,
			})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(alerts))
			for _, a := range alerts {
				rows = append(rows, []string{
					strconv.FormatUint(a.ID, 10),
					a.ClusterID,
					a.AlertType,
					severity(a.Severity),
					nodeOrCluster(a.NodeName),
					fmt.Sprintf("%.1f / %.0f", a.CurrentValue, a.ThresholdValue),
					alertState(a.Acknowledged, a.Resolved),
					since(a.UpdatedAt),
				})
			}
			renderTable(os.Stdout, "Threshold alerts",
				[]string{"ID", "Cluster", "Type", "Severity", "Node", "Value / Threshold", "State", "Updated"},
				rows)
			fmt.Println()
		}

		smart, err := store.QuerySmartAlerts(ctx, storage.SmartAlertQuery{
			ClusterID: alertsCluster,
			OpenOnly:  !alertsAll,
			Limit:     alertsLimit,
		})
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(smart))
		for _, a := range smart {
			resource := a.ResourceName
			if a.Namespace != "" {
				resource = a.Namespace + "/" + a.ResourceName
			}
			rows = append(rows, []string{
				strconv.FormatUint(a.ID, 10),
				a.ClusterID,
				a.AlertType,
				severity(a.Severity),
				resource,
				a.Title,
				alertState(false, a.IsResolved),
				since(a.UpdatedAt),
			})
		}
		renderTable(os.Stdout, "Smart alerts",
			[]string{"ID", "Cluster", "Type", "Severity", "Resource", "Title", "State", "Updated"},
			rows)
		return nil
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "确认阈值告警",
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

		lc, closeNotify := newLifecycle(store)
		defer closeNotify()

		a, err := lc.Acknowledge(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %d acknowledged (%s on %s).\n", a.ID, a.AlertType, nodeOrCluster(a.NodeName))
		return nil
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "解决阈值告警；--smart 解决智能告警",
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

		lc, closeNotify := newLifecycle(store)
		defer closeNotify()

		if alertsSmart {
			a, err := lc.ResolveSmart(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Smart alert %d resolved (%s %s).\n", a.ID, a.AlertType, a.ResourceName)
			return nil
		}
		a, err := lc.Resolve(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %d resolved (%s on %s).\n", a.ID, a.AlertType, nodeOrCluster(a.NodeName))
		return nil
	},
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid alert id %q", s)
	}
	return id, nil
}

func nodeOrCluster(node string) string {
	if node == "" {
		return "cluster"
	}
	return node
}

func alertState(acked, resolved bool) string {
	switch {
	case resolved:
		return "resolved"
	case acked:
		return "acknowledged"
	default:
		return "open"
	}
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd, alertsResolveCmd)

	alertsListCmd.Flags().StringVar(&alertsCluster, "cluster", "", "只显示指定集群")
	alertsListCmd.Flags().BoolVar(&alertsAll, "all", false, "包含已解决的告警")
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 50, "每类告警最多显示的条数")
	alertsListCmd.Flags().BoolVar(&alertsSmart, "smart", false, "只显示智能告警")
	alertsResolveCmd.Flags().BoolVar(&alertsSmart, "smart", false, "按智能告警 ID 解决")
}
