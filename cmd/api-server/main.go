// Package main API Server 入口
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentalps-admin/internal/apiserver/server"
	"rentalps-admin/internal/config"
	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/eventbus"
	redisbus "rentalps-admin/internal/shared/eventbus/redis"
	"rentalps-admin/internal/shared/storage/dbutil"
	postgresdriver "rentalps-admin/internal/shared/storage/driver/postgres"
	sqlitedriver "rentalps-admin/internal/shared/storage/driver/sqlite"
	"rentalps-admin/internal/shared/storage/repository"
)

// pairingTokenTTL 配对令牌有效期：运维在这个窗口内完成终端装机
const pairingTokenTTL = 24 * time.Hour

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化存储层
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := dialect.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	store := repository.NewStore(db, dialect)
	defer store.Close()
	log.Printf("Connected to %s", cfg.DatabaseDriver)

	// 初始化通知总线（Redis 未启用时降级为 NoOp，通知只写日志）
	var bus eventbus.NotificationBus = eventbus.NewNoOpBus()
	if cfg.RedisEnabled {
		rbus, err := redisbus.NewBus(cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		bus = rbus
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
	}
	defer bus.Close()

	tokens := bridge.NewTokenIssuer(cfg.BridgeSecret, pairingTokenTTL)
	h := server.NewHandler(store, bus, tokens, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 重启后恢复会话到期定时器
	if err := h.Sessions().RecoverTimers(ctx); err != nil {
		log.Printf("Recover session timers: %v", err)
	}

	// 后台循环：监控引擎、清扫器、通知转发
	go h.Engine().Start(ctx)
	go h.RunSweeper(ctx, server.DefaultSweepInterval)
	go h.Gateway().Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		h.Engine().Stop()
		h.Sessions().Shutdown()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openDatabase 按配置的驱动打开数据库连接
func openDatabase(cfg *config.Config) (*sql.DB, dbutil.Dialect, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgresdriver.Open(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return db, postgresdriver.NewDialect(), nil
	case "sqlite":
		db, err := sqlitedriver.Open(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlitedriver.NewDialect(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
