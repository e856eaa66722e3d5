package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/worker"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "启动转写工作节点",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Sync()

		transcriber, err := worker.NewCommandTranscriber(cfg.Worker.TranscribeCommand, log)
		if err != nil {
			log.Fatalf("初始化转写器失败: %v", err)
		}

		w, err := worker.New(cfg.Worker, log, transcriber)
		if err != nil {
			log.Fatalf("初始化工作节点失败: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := w.Run(ctx); err != nil {
			log.Fatalf("工作节点运行失败: %v", err)
		}
	},
}

func init() {
	workerCmd.Flags().String("master", "", "协调端地址（覆盖配置文件）")
	_ = viper.BindPFlag("worker.master_url", workerCmd.Flags().Lookup("master"))
	rootCmd.AddCommand(workerCmd)
}
