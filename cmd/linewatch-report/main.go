// 离线日报工具：从数据库读取某日的会话记录并导出 XLSX。
// 用法: linewatch-report -date 2026-08-31 -out report.xlsx
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"linewatch/internal/common/database"
	"linewatch/internal/common/logger"
	"linewatch/internal/config"
	"linewatch/internal/report"
	"linewatch/internal/repository"
)

func main() {
	dateStr := flag.String("date", "", "报表日期 YYYY-MM-DD，默认今天")
	outPath := flag.String("out", "", "输出文件路径，默认 linewatch-report-<date>.xlsx")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, "console", "linewatch-report")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	loc := time.Local
	if cfg.Schedule.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			zapLogger.Fatal("Invalid timezone", zap.String("timezone", cfg.Schedule.Timezone), zap.Error(err))
		}
	}

	if *dateStr == "" {
		*dateStr = time.Now().In(loc).Format("2006-01-02")
	}
	date, err := time.ParseInLocation("2006-01-02", *dateStr, loc)
	if err != nil {
		zapLogger.Fatal("Invalid date, expected YYYY-MM-DD", zap.String("date", *dateStr), zap.Error(err))
	}
	if *outPath == "" {
		*outPath = "linewatch-report-" + *dateStr + ".xlsx"
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionRepo := repository.NewSessionRepository(db, zapLogger)
	workerRepo := repository.NewWorkerRepository(db, zapLogger)

	records, err := sessionRepo.ListByDateRange(ctx, date, date.AddDate(0, 0, 1))
	if err != nil {
		zapLogger.Fatal("Failed to load session records", zap.Error(err))
	}
	workers, err := workerRepo.ListActive(ctx)
	if err != nil {
		zapLogger.Fatal("Failed to load workers", zap.Error(err))
	}

	f, err := report.BuildDaily(date, records, workers)
	if err != nil {
		zapLogger.Fatal("Failed to build report", zap.Error(err))
	}
	defer f.Close()

	if err := f.SaveAs(*outPath); err != nil {
		zapLogger.Fatal("Failed to save report", zap.Error(err))
	}

	zapLogger.Info("Report written",
		zap.String("date", *dateStr),
		zap.String("path", *outPath),
		zap.Int("records", len(records)))
}
