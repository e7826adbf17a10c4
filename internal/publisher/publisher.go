// Package publisher 把流水线产生的事件与终结记录异步发布到 Redis：
// 事件走 Streams（近似 MAXLEN 裁剪），实时快照写带 TTL 的键。
// 发布在独立协程执行，核心流水线从不阻塞在 Redis 上，
// 缓冲溢出时丢最旧并计数。
package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "linewatch/internal/common/redis"
	"linewatch/internal/models"
	"linewatch/internal/schedule"
)

// Redis Streams 名称
const (
	StreamTrackEvents    = "track:events:stream"
	StreamScheduleEvents = "schedule:events:stream"
	StreamSessionRecords = "session:records:stream"
)

// 实时快照键
const (
	KeyActiveSessions  = "sessions:active"
	KeyCameraTracksFmt = "camera:tracks:" // + camera_id
)

const publishTimeout = 3 * time.Second

// Config 发布器配置
type Config struct {
	BufferSize    int           // 异步缓冲深度
	StreamMaxLen  int64         // 流的近似最大长度
	SnapshotTTL   time.Duration // 实时快照键的过期时间
	SnapshotEvery time.Duration // 同一快照键的最小刷新间隔
}

// DefaultConfig 默认发布器配置
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		StreamMaxLen:  10000,
		SnapshotTTL:   10 * time.Second,
		SnapshotEvery: time.Second,
	}
}

// item 一次待执行的 Redis 写入
type item struct {
	stream    string      // 非空表示 XADD
	eventType string      // 流消息的事件类型字段
	key       string      // 非空表示快照 SET
	payload   interface{} // JSON 序列化后写入
}

// Publisher 异步事件发布器
type Publisher struct {
	cfg    Config
	client *redis.Client
	logger *zap.Logger

	queue   chan item
	dropped uint64

	mu       sync.Mutex
	lastSnap map[string]time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New 创建发布器
func New(cfg Config, client *redis.Client, logger *zap.Logger) *Publisher {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &Publisher{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		queue:    make(chan item, cfg.BufferSize),
		lastSnap: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动发布协程
func (p *Publisher) Start() {
	go p.run()
}

// Stop 停止发布器：排空缓冲后退出，须在所有生产方停止后调用
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

// Dropped 返回因缓冲溢出而丢弃的写入数
func (p *Publisher) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// PublishTrackEvent 发布轨迹生命周期事件
func (p *Publisher) PublishTrackEvent(ev models.TrackEvent) {
	p.enqueue(item{stream: StreamTrackEvents, eventType: "track_" + string(ev.Type), payload: ev})
}

// PublishZoneAssignment 发布区域归属事件
func (p *Publisher) PublishZoneAssignment(za models.ZoneAssignment) {
	p.enqueue(item{stream: StreamTrackEvents, eventType: "zone_assignment", payload: za})
}

// PublishDiagnostic 发布低严重度诊断事件
func (p *Publisher) PublishDiagnostic(ev models.DiagnosticEvent) {
	p.enqueue(item{stream: StreamTrackEvents, eventType: "diagnostic_" + string(ev.Kind), payload: ev})
}

// PublishScheduleEvent 发布班次事件
func (p *Publisher) PublishScheduleEvent(ev schedule.Event) {
	p.enqueue(item{stream: StreamScheduleEvents, eventType: string(ev.Type), payload: ev})
}

// PublishRecord 发布终结会话记录
func (p *Publisher) PublishRecord(rec models.SessionRecord) {
	p.enqueue(item{stream: StreamSessionRecords, eventType: "session_record", payload: rec})
}

// SetTrackTable 刷新某相机的轨迹表快照
func (p *Publisher) SetTrackTable(cameraID string, tracks []models.Track) {
	key := KeyCameraTracksFmt + cameraID
	if !p.snapDue(key) {
		return
	}
	p.enqueue(item{key: key, payload: tracks})
}

// SetActiveSessions 刷新开放会话快照
func (p *Publisher) SetActiveSessions(sessions []models.Session) {
	if !p.snapDue(KeyActiveSessions) {
		return
	}
	p.enqueue(item{key: KeyActiveSessions, payload: sessions})
}

// snapDue 同一快照键限频，避免每帧都打 Redis
func (p *Publisher) snapDue(key string) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastSnap[key]; ok && now.Sub(last) < p.cfg.SnapshotEvery {
		return false
	}
	p.lastSnap[key] = now
	return true
}

// enqueue 入队一次写入，缓冲满时丢最旧
func (p *Publisher) enqueue(it item) {
	for {
		select {
		case p.queue <- it:
			return
		default:
		}
		select {
		case old := <-p.queue:
			n := atomic.AddUint64(&p.dropped, 1)
			if n%100 == 1 {
				p.logger.Warn("publisher buffer full, dropping oldest",
					zap.String("stream", old.stream),
					zap.String("key", old.key),
					zap.Uint64("dropped_total", n))
			}
		default:
		}
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case it := <-p.queue:
			p.write(it)
		case <-p.stop:
			for {
				select {
				case it := <-p.queue:
					p.write(it)
				default:
					p.logger.Info("event publisher stopped",
						zap.Uint64("dropped_total", atomic.LoadUint64(&p.dropped)))
					return
				}
			}
		}
	}
}

// write 执行一次 Redis 写入，失败只记日志不重试
func (p *Publisher) write(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if it.stream != "" {
		_, err := rediscommon.PublishJSONEventToStream(ctx, p.client, it.stream, p.cfg.StreamMaxLen, it.eventType, it.payload)
		if err != nil {
			p.logger.Error("failed to publish event to stream",
				zap.String("stream", it.stream),
				zap.String("event_type", it.eventType),
				zap.Error(err))
		}
		return
	}

	if err := rediscommon.SetJSON(ctx, p.client, it.key, it.payload, p.cfg.SnapshotTTL); err != nil {
		p.logger.Error("failed to write realtime snapshot",
			zap.String("key", it.key),
			zap.Error(err))
	}
}
