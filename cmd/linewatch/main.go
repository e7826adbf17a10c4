package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"linewatch/internal/common/logger"
	"linewatch/internal/config"
	"linewatch/internal/service"
)

func main() {
	// .env 不存在时静默忽略，容器环境直接用环境变量
	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "linewatch")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting linewatch service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("detection_topic", cfg.Vision.TopicDetections),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建服务
	svc, err := service.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create service", zap.Error(err))
	}

	// 启动服务
	if err := svc.Start(); err != nil {
		svc.Stop()
		zapLogger.Fatal("Failed to start service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	svc.Stop()
	zapLogger.Info("Service stopped")
}
