package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hivemind/internal/pool/api"
	"hivemind/internal/pool/ledger"
	"hivemind/internal/pool/liveness"
	"hivemind/internal/pool/matcher"
	"hivemind/internal/pool/orchestrator"
	"hivemind/internal/pool/registry"
	"hivemind/pkg/config"
	"hivemind/pkg/logging"
	"hivemind/pkg/store"

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 选择存储后端
	var st store.Store
	switch cfg.Store.Backend {
	case "etcd":
		st, err = store.NewEtcdStore(cfg.Store.Etcd.Endpoints)
	case "redis":
		st, err = store.NewRedisStore(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.DB)
	case "memory", "":
		st = store.NewMemoryStore()
	default:
		logger.Fatal("[Config] Unknown store backend", zap.String("backend", cfg.Store.Backend))
	}
	if err != nil {
		logger.Fatal("[Store] Failed to connect", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer st.Close()
	logger.Info("[Store] Connected", zap.String("backend", cfg.Store.Backend))

	// 3. 组装各组件 (依赖注入)
	policy := liveness.NewPolicy(cfg.Pool.HeartbeatTimeout)
	reg := registry.New(st, policy, logger)
	m := matcher.New(reg)

	tokens := ledger.NewTokenIssuer(cfg.Auth.SecretKey, cfg.Auth.TokenExpiry)
	led := ledger.New(st, tokens, logger)

	hub := api.NewHub(reg, logger)
	orch := orchestrator.New(st, m, led, hub, orchestrator.Options{
		ClaimTimeout:   cfg.Pool.ClaimTimeout,
		HandoffTimeout: cfg.Pool.HandoffTimeout,
		SessionCost:    cfg.Pool.SessionCost,
	}, logger)
	hub.Bind(orch)

	// 4. 后台离线清扫
	if cfg.Pool.SweepInterval > 0 {
		go reg.Run(ctx, cfg.Pool.SweepInterval)
	}

	// 5. 启动 API Server
	srv := api.NewServer(cfg.Pool.ListenAddr, reg, m, led, orch, hub, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()
	logger.Info("[Pool] Node pool service started", zap.String("addr", cfg.Pool.ListenAddr))

	// 6. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("[Pool] Shutting down", zap.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Fatal("[Pool] Server exited", zap.Error(err))
		}
	}
}
