package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/watcher"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watcherCmd = &cobra.Command{
	Use:   "watcher",
	Short: "启动下载目录监控上传端",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Sync()

		w, err := watcher.New(cfg.Watcher, log)
		if err != nil {
			log.Fatalf("初始化目录监控失败: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := w.Run(ctx); err != nil {
			log.Fatalf("目录监控运行失败: %v", err)
		}
	},
}

func init() {
	watcherCmd.Flags().String("dir", "", "监控目录（覆盖配置文件）")
	_ = viper.BindPFlag("watcher.watch_dir", watcherCmd.Flags().Lookup("dir"))
	rootCmd.AddCommand(watcherCmd)
}
