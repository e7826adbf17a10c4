// Package service 组装并监督整条流水线：
// 配置 -> 存储连接 -> 核心组件 -> 接入/发布/诊断接口，
// 并按依赖顺序完成优雅停机（先停接入冲洗轨迹，再终结会话，最后排空发布）。
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"linewatch/internal/common/database"
	mqttcommon "linewatch/internal/common/mqtt"
	rediscommon "linewatch/internal/common/redis"
	"linewatch/internal/config"
	"linewatch/internal/consumer"
	"linewatch/internal/httpapi"
	"linewatch/internal/identity"
	"linewatch/internal/models"
	"linewatch/internal/publisher"
	"linewatch/internal/repository"
	"linewatch/internal/schedule"
	"linewatch/internal/timeacct"
	"linewatch/internal/tracker"
	"linewatch/internal/zones"
)

const (
	startupTimeout   = 10 * time.Second
	persistTimeout   = 5 * time.Second
	httpStopTimeout  = 5 * time.Second
	maintenanceEvery = time.Second
	directoryRefresh = time.Minute
)

// Service 流水线服务
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *rediscommon.Client
	mqttClient  *mqttcommon.Client

	zoneRepo    *repository.ZoneRepository
	workerRepo  *repository.WorkerRepository
	sessionRepo *repository.SessionRepository
	directory   *repository.Directory

	attributor *zones.Attributor
	resolver   *identity.Resolver
	engine     *timeacct.Engine
	publisher  *publisher.Publisher
	consumer   *consumer.Consumer

	httpServer *http.Server

	loc             *time.Location
	breakWindows    []string
	scheduleEnabled bool
	schedMu         sync.RWMutex
	schedMgr        *schedule.Manager

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // schedule + maintenance 协程
	sinkWg   sync.WaitGroup // 记录落库协程
}

// New 创建服务并建立全部外部连接
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}

	loc := time.Local
	if cfg.Schedule.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule timezone %q: %w", cfg.Schedule.Timezone, err)
		}
	}
	s.loc = loc

	// 班次配置在启动时校验；非法配置只禁用班段/休息事件，跟踪不受影响
	s.scheduleEnabled = true
	windows, err := schedule.ParseBreakSpec(cfg.Schedule.Breaks)
	if err != nil {
		s.scheduleEnabled = false
		logger.Error("invalid break configuration, schedule events disabled until corrected", zap.Error(err))
	} else {
		s.breakWindows = windows
		if _, err := schedule.BuildTimeline(time.Now().In(loc), s.scheduleConfig(), loc); err != nil {
			s.scheduleEnabled = false
			logger.Error("invalid schedule configuration, schedule events disabled until corrected", zap.Error(err))
		}
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.db = db

	s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	s.mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		rediscommon.Close(s.redisClient)
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	s.zoneRepo = repository.NewZoneRepository(db, logger)
	s.workerRepo = repository.NewWorkerRepository(db, logger)
	s.sessionRepo = repository.NewSessionRepository(db, logger)
	s.directory = repository.NewDirectory(s.workerRepo, logger)
	if err := s.directory.Refresh(ctx); err != nil {
		logger.Warn("worker directory unavailable at startup, oracle results will be rejected", zap.Error(err))
	}

	s.attributor = zones.New(zones.TieBreak(cfg.Zones.TieBreak), logger)
	if zs, err := s.zoneRepo.ListActive(ctx); err != nil {
		logger.Error("failed to load zones, attribution disabled until corrected", zap.Error(err))
	} else if err := s.attributor.Load(zs); err != nil {
		logger.Error("invalid zone configuration, attribution disabled until corrected", zap.Error(err))
	}

	s.publisher = publisher.New(publisher.DefaultConfig(), s.redisClient, logger)
	s.engine = timeacct.NewEngine(timeacct.Config{
		IdlePixels: cfg.Session.IdlePixels,
		IdleAfter:  cfg.Session.IdleAfter,
	}, logger)

	s.resolver = identity.New(identity.Config{
		RetryInterval: cfg.Identity.RetryInterval,
		LostTTL:       cfg.Identity.LostTTL,
		SimThreshold:  cfg.Identity.SimThreshold,
	}, s.buildOracle(), s.directory, logger)
	s.wireResolver()

	s.consumer = consumer.New(consumer.Config{
		Topic:         cfg.Vision.TopicDetections,
		QoS:           cfg.MQTT.QoS,
		QueueDepth:    cfg.Vision.QueueDepth,
		CameraTimeout: cfg.Vision.CameraTimeout,
	}, tracker.Config{
		TrackThresh:      cfg.Tracker.TrackThresh,
		LowConfThresh:    cfg.Tracker.LowConfThresh,
		MatchIoU:         cfg.Tracker.MatchIoU,
		ConfirmStreak:    cfg.Tracker.ConfirmStreak,
		LostBuffer:       cfg.Tracker.LostBuffer,
		AppearanceWeight: cfg.Tracker.AppearanceWeight,
	}, s.mqttClient, s.attributor, s.resolver, s.engine, s.publisher, logger)

	s.buildHTTPServer()
	return s, nil
}

// buildOracle 按配置组装识别服务链（人脸优先于工牌），
// 一个都没配时返回 nil，解析器只保留重识别能力
func (s *Service) buildOracle() identity.Oracle {
	var oracles []identity.Oracle
	if s.cfg.Identity.FaceURL != "" {
		oracles = append(oracles, identity.NewFaceOracle(s.cfg.Identity.FaceURL, s.cfg.Identity.Timeout, s.logger))
	}
	if s.cfg.Identity.BadgeURL != "" {
		oracles = append(oracles, identity.NewBadgeOracle(s.cfg.Identity.BadgeURL, s.cfg.Identity.Timeout, s.logger))
	}
	if len(oracles) == 0 {
		s.logger.Warn("no identity oracle configured, all sessions will use the unassigned bucket")
		return nil
	}
	return identity.NewChain(s.logger, oracles...)
}

// wireResolver 把身份事件接到计时引擎与事件流
func (s *Service) wireResolver() {
	s.resolver.OnBound(func(b models.WorkerBinding, restored bool) {
		// 轨迹有了真实身份：关闭占位会话并登记绑定，
		// 绑定前已入队的未识别帧不会再重开占位会话
		s.engine.BindingEstablished(b.WorkerID, b.CameraID, b.TrackID, b.BoundAt)
		if restored {
			s.engine.BindingRestored(b.WorkerID, b.CameraID, b.TrackID, b.BoundAt)
		}
	})
	s.resolver.OnExpired(func(entry identity.LostEntry) {
		s.engine.BindingExpired(entry.WorkerID, entry.RemovedAt)
	})
	s.resolver.OnDiagnostic(s.publisher.PublishDiagnostic)
}

// buildHTTPServer 组装诊断接口
func (s *Service) buildHTTPServer() {
	var schedSrc httpapi.ScheduleSource
	if s.scheduleEnabled {
		schedSrc = s
	}
	handler := httpapi.NewHandler(
		s.engine,
		s.consumer,
		schedSrc,
		s.sessionRepo,
		s.workerRepo,
		s.stats,
		s.loc,
		s.logger,
	)
	router := httpapi.NewRouter(s.logger)
	router.Register(handler)
	s.httpServer = &http.Server{Addr: s.cfg.HTTP.Addr, Handler: router}
}

// stats 健康检查用的组件计数
func (s *Service) stats() httpapi.Stats {
	return httpapi.Stats{
		Cameras:          len(s.consumer.Cameras()),
		ActiveSessions:   len(s.engine.GetActiveSessions()),
		LiveBindings:     len(s.resolver.Bindings()),
		LostBuffered:     s.resolver.LostCount(),
		ZonesLoaded:      s.attributor.ZoneCount(),
		BatchesDropped:   s.consumer.DroppedBatches(),
		BatchesMalformed: s.consumer.MalformedBatches(),
		EventsDropped:    s.publisher.Dropped(),
		ScheduleEnabled:  s.scheduleEnabled,
	}
}

// Start 启动全部阶段
func (s *Service) Start() error {
	s.engine.Start()
	s.publisher.Start()

	s.sinkWg.Add(1)
	go s.consumeRecords()

	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start detection consumer: %w", err)
	}

	if s.scheduleEnabled {
		s.wg.Add(1)
		go s.scheduleLoop()
	}

	s.wg.Add(1)
	go s.maintenanceLoop()

	go func() {
		s.logger.Info("diagnostics http server listening", zap.String("addr", s.cfg.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	s.logger.Info("linewatch pipeline started",
		zap.String("detection_topic", s.cfg.Vision.TopicDetections),
		zap.Bool("schedule_enabled", s.scheduleEnabled))
	return nil
}

// Stop 优雅停机
// 顺序：停接入（冲洗轨迹触发终结）→ 停班次/维护 → 停引擎（排空并终结余下会话）
// → 等记录落库 → 排空发布缓冲 → 停 HTTP → 断开外部连接
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)

		s.consumer.Stop()
		s.wg.Wait()
		s.engine.Stop()
		s.sinkWg.Wait()
		s.publisher.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown failed", zap.Error(err))
		}

		s.mqttClient.Disconnect()
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("failed to close redis client", zap.Error(err))
		}
		if err := database.Close(s.db); err != nil {
			s.logger.Error("failed to close database", zap.Error(err))
		}
		s.logger.Info("linewatch pipeline stopped")
	})
}

// consumeRecords 消费引擎的终结记录：先落库再发布，引擎停止后通道关闭退出
func (s *Service) consumeRecords() {
	defer s.sinkWg.Done()
	for rec := range s.engine.Records() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.sessionRepo.InsertRecord(ctx, rec); err != nil {
			s.logger.Error("failed to persist session record",
				zap.String("session_id", rec.SessionID),
				zap.String("worker_id", rec.WorkerID),
				zap.Error(err))
		}
		cancel()
		s.publisher.PublishRecord(rec)
	}
}

func (s *Service) scheduleConfig() schedule.Config {
	return schedule.Config{
		WorkStart:    s.cfg.Schedule.WorkStart,
		WorkEnd:      s.cfg.Schedule.WorkEnd,
		Breaks:       s.breakWindows,
		TotalIndices: s.cfg.Schedule.TotalIndices,
	}
}

// scheduleLoop 每天构建一次时间线并运行班次管理器，次日零点轮换
func (s *Service) scheduleLoop() {
	defer s.wg.Done()
	for {
		now := time.Now().In(s.loc)

		var mgr *schedule.Manager
		tl, err := schedule.BuildTimeline(now, s.scheduleConfig(), s.loc)
		if err != nil {
			s.logger.Error("failed to build schedule timeline, no index/break events today", zap.Error(err))
		} else {
			mgr = schedule.NewManager(tl, s.cfg.Schedule.PollInterval, s.logger)
			mgr.OnEvent(s.handleScheduleEvent)
			mgr.Start()
		}
		s.schedMu.Lock()
		s.schedMgr = mgr
		s.schedMu.Unlock()

		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
		select {
		case <-s.stop:
			if mgr != nil {
				mgr.Stop()
			}
			return
		case <-time.After(time.Until(midnight)):
			if mgr != nil {
				mgr.Stop()
			}
			s.engine.ShiftReset(time.Now())
		}
	}
}

// handleScheduleEvent 班次事件扇出到计时引擎与事件流
func (s *Service) handleScheduleEvent(ev schedule.Event) {
	switch ev.Type {
	case schedule.EventBreakStarted:
		s.engine.BreakStarted(ev.Timestamp)
	case schedule.EventBreakEnded:
		s.engine.BreakEnded(ev.Timestamp)
	case schedule.EventIndexTransition:
		s.engine.IndexTransition(ev.IndexNumber, ev.Timestamp)
	case schedule.EventShiftEnded:
		s.engine.ShiftEnded(ev.Timestamp)
	}
	s.publisher.PublishScheduleEvent(ev)
}

// maintenanceLoop 周期性杂务：丢失缓冲清理、开放会话快照、工人名册刷新
func (s *Service) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	dirTicker := time.NewTicker(directoryRefresh)
	defer dirTicker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.resolver.SweepExpired(now)
			s.publisher.SetActiveSessions(s.engine.GetActiveSessions())
		case <-dirTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := s.directory.Refresh(ctx); err != nil {
				s.logger.Warn("failed to refresh worker directory", zap.Error(err))
			}
			cancel()
		}
	}
}

// Current 实现 httpapi.ScheduleSource
func (s *Service) Current(ts time.Time) schedule.Status {
	s.schedMu.RLock()
	mgr := s.schedMgr
	s.schedMu.RUnlock()
	if mgr == nil {
		return schedule.Status{Phase: schedule.PhaseBeforeShift}
	}
	return mgr.Current(ts)
}

// Timeline 实现 httpapi.ScheduleSource
func (s *Service) Timeline() *schedule.Timeline {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	if s.schedMgr == nil {
		return nil
	}
	return s.schedMgr.Timeline()
}
