package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwwzy/KubeSentry/internal/monitor"
	"github.com/wwwzy/KubeSentry/internal/server"
)

// startCmd 代表 start 命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 KubeSentry 监控服务",
	Long: `启动 KubeSentry 后台监控服务。
这将初始化数据库，同步集群与通知渠道配置，并开始周期性的采集、分析与数据清理。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 2. 初始化存储与 pipeline
		fmt.Println("正在初始化存储与分析组件...")
		deps, err := buildPipeline(ctx)
		if err != nil {
			return err
		}
		defer deps.Close()

		// 3. 初始化监控管理器
		fmt.Println("正在初始化监控管理器...")
		monCfg := cfg.Monitor
		monCfg.OnError = func(err error) {
			logger.Warn("cluster pass failed", "error", err)
		}
		mgr, err := monitor.NewManager(monCfg)
		if err != nil {
			return fmt.Errorf("创建监控管理器失败: %w", err)
		}

		ret, err := monitor.NewRetentionCollector(deps.store)
		if err != nil {
			return fmt.Errorf("创建 retention 采集器失败: %w", err)
		}
		ret.WithLogger(logger)

		// 流式接口挂载组件
		mgr.WithPipeline(deps.pipeline).WithRetention(ret).WithLogger(logger)

		// 4. 启动管理器与运维端口
		fmt.Println("正在启动监控服务...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动管理器失败: %w", err)
		}

		srvErr := make(chan error, 1)
		if cfg.Server.Addr != "" {
			srv := server.New(cfg.Server.Addr, deps.store, deps.metrics.Registry(), logger)
			go func() { srvErr <- srv.Run(ctx) }()
			fmt.Printf("运维端口: %s (/metrics, /healthz)\n", cfg.Server.Addr)
		}

		// 5. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		fmt.Println("KubeSentry 已启动。按 Ctrl+C 停止。")

		var runErr error
		select {
		case sig := <-sigChan:
			fmt.Printf("收到信号: %s, 正在关闭...\n", sig)
		case err := <-srvErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				runErr = fmt.Errorf("运维端口异常退出: %w", err)
			}
		case <-ctx.Done():
			fmt.Println("上下文已取消, 正在关闭...")
		}

		// 6. 优雅停止
		mgr.Stop()
		cancel()
		if err := mgr.Wait(); err != nil {
			return fmt.Errorf("管理器停止时发生错误: %w", err)
		}

		fmt.Println("关闭完成。")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
