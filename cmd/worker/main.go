package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hivemind/internal/worker"
	"hivemind/pkg/config"
	"hivemind/pkg/logging"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	// 1. 加载配置 + 日志
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Pool.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. 启动 Worker Agent
	agent := worker.NewAgent(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- agent.Run(ctx)
	}()

	// 3. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("[Worker] Shutting down", zap.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Fatal("[Worker] Agent exited", zap.Error(err))
		}
	}
}
