package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

var healthCluster string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "显示各集群最近一次健康评分",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		clusters, err := store.ListClusters(ctx)
		if err != nil {
			return err
		}

		var rows [][]string
		for _, cl := range clusters {
			if healthCluster != "" && cl.ID != healthCluster {
				continue
			}
			hs, err := store.LatestHealthScore(ctx, cl.ID)
			if errors.Is(err, storage.ErrNotFound) {
				rows = append(rows, []string{cl.ID, cl.Name, "-", "-", "-", "-", "-", "-", "-", "-", "never"})
				continue
			}
			if err != nil {
				return fmt.Errorf("cluster %s: %w", cl.ID, err)
			}
			rows = append(rows, []string{
				cl.ID,
				cl.Name,
				scoreText(hs.OverallScore),
				scoreText(hs.CPUScore),
				scoreText(hs.MemoryScore),
				scoreText(hs.DiskScore),
				scoreText(hs.NetworkScore),
				scoreText(hs.PodHealth),
				fmt.Sprintf("%d/%d", hs.HealthyNodes, hs.NodeCount),
				fmt.Sprintf("%d/%d", hs.HealthyPods, hs.TotalPods),
				since(hs.CalculatedAt),
			})
		}
		if healthCluster != "" && len(rows) == 0 {
			return fmt.Errorf("cluster %q not found", healthCluster)
		}

		renderTable(os.Stdout, "Cluster health",
			[]string{"Cluster", "Name", "Overall", "CPU", "Memory", "Disk", "Network", "Pods", "Nodes ok", "Pods ok", "Calculated"},
			rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthCluster, "cluster", "", "只显示指定集群")
}
