// Package consumer 接入 MQTT 检测流并驱动逐相机流水线：
// 检测批次按相机路由到有界队列（满时丢最旧），每路相机一个协程
// 串行执行 跟踪 -> 区域归属 -> 身份解析 -> 计时 的全部步骤，
// 相机之间没有共享可变状态。
package consumer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	mqttcommon "linewatch/internal/common/mqtt"
	"linewatch/internal/identity"
	"linewatch/internal/models"
	"linewatch/internal/timeacct"
	"linewatch/internal/tracker"
	"linewatch/internal/zones"
)

// EventSink 接收流水线产生的事件与实时快照
type EventSink interface {
	PublishTrackEvent(ev models.TrackEvent)
	PublishZoneAssignment(za models.ZoneAssignment)
	PublishDiagnostic(ev models.DiagnosticEvent)
	SetTrackTable(cameraID string, tracks []models.Track)
}

// Config 检测接入配置
type Config struct {
	Topic         string        // 订阅主题，形如 "vision/+/detections"
	QoS           byte          // MQTT QoS
	QueueDepth    int           // 每路相机的批次队列深度
	CameraTimeout time.Duration // 超过该时长未收到批次视为相机断流
}

// Consumer 检测流消费者
type Consumer struct {
	cfg        Config
	trackerCfg tracker.Config
	mqttClient *mqttcommon.Client
	attributor *zones.Attributor
	resolver   *identity.Resolver
	engine     *timeacct.Engine
	sink       EventSink
	logger     *zap.Logger

	mu      sync.Mutex
	workers map[string]*cameraWorker
	stopped bool

	snapMu    sync.RWMutex
	snapshots map[string][]models.Track

	dropped   uint64
	malformed uint64
}

// New 创建消费者
// mqttClient 可以为 nil（测试时直接调用 handleMessage）
func New(
	cfg Config,
	trackerCfg tracker.Config,
	mqttClient *mqttcommon.Client,
	attributor *zones.Attributor,
	resolver *identity.Resolver,
	engine *timeacct.Engine,
	sink EventSink,
	logger *zap.Logger,
) *Consumer {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4
	}
	return &Consumer{
		cfg:        cfg,
		trackerCfg: trackerCfg,
		mqttClient: mqttClient,
		attributor: attributor,
		resolver:   resolver,
		engine:     engine,
		sink:       sink,
		logger:     logger,
		workers:    make(map[string]*cameraWorker),
		snapshots:  make(map[string][]models.Track),
	}
}

// Start 订阅检测主题
func (c *Consumer) Start() error {
	if err := c.mqttClient.Subscribe(c.cfg.Topic, c.cfg.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to detection topic: %w", err)
	}
	c.logger.Info("detection consumer started", zap.String("topic", c.cfg.Topic))
	return nil
}

// Stop 停止消费：取消订阅后停掉所有相机协程，
// 每路相机把存活轨迹全部移除，触发下游会话终结
func (c *Consumer) Stop() {
	if c.mqttClient != nil {
		if err := c.mqttClient.Unsubscribe(c.cfg.Topic); err != nil {
			c.logger.Error("failed to unsubscribe from detection topic", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.stopped = true
	workers := make([]*cameraWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
	c.logger.Info("detection consumer stopped",
		zap.Int("cameras", len(workers)),
		zap.Uint64("batches_dropped", atomic.LoadUint64(&c.dropped)),
		zap.Uint64("batches_malformed", atomic.LoadUint64(&c.malformed)))
}

// handleMessage 处理一条检测消息
// 主题格式: vision/{camera_id}/detections
func (c *Consumer) handleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		atomic.AddUint64(&c.malformed, 1)
		return fmt.Errorf("invalid detection topic format: %s", topic)
	}
	cameraID := parts[1]

	var batch models.DetectionBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		c.markMalformed(cameraID, fmt.Sprintf("unparseable payload: %v", err))
		// 坏批次等价于丢一帧：所有轨迹按未匹配处理。
		// 只对已有流水线的相机生效，垃圾主题不触发建协程
		if w := c.existingWorker(cameraID); w != nil {
			w.enqueue(nil)
		}
		return fmt.Errorf("failed to unmarshal detection batch: %w", err)
	}
	if batch.CameraID != cameraID {
		c.markMalformed(cameraID, fmt.Sprintf("camera mismatch: topic=%s payload=%s", cameraID, batch.CameraID))
		if w := c.existingWorker(cameraID); w != nil {
			w.enqueue(nil)
		}
		return fmt.Errorf("camera mismatch between topic %s and payload %s", cameraID, batch.CameraID)
	}
	if batch.TimestampMs <= 0 {
		c.markMalformed(cameraID, "missing timestamp")
		if w := c.existingWorker(cameraID); w != nil {
			w.enqueue(nil)
		}
		return fmt.Errorf("detection batch for camera %s has no timestamp", cameraID)
	}

	if w := c.worker(cameraID); w != nil {
		w.enqueue(&batch)
	}
	return nil
}

// markMalformed 记录坏批次并发出诊断事件
func (c *Consumer) markMalformed(cameraID, detail string) {
	atomic.AddUint64(&c.malformed, 1)
	c.logger.Warn("malformed detection batch",
		zap.String("camera_id", cameraID),
		zap.String("detail", detail))
	if c.sink != nil {
		c.sink.PublishDiagnostic(models.DiagnosticEvent{
			Kind:      models.DiagBatchMalformed,
			CameraID:  cameraID,
			Detail:    detail,
			Timestamp: time.Now(),
		})
	}
}

// existingWorker 只查不建：坏批次不能为任意相机ID撑起新流水线
func (c *Consumer) existingWorker(cameraID string) *cameraWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	return c.workers[cameraID]
}

// worker 返回相机对应的流水线协程，首次出现的相机按需创建
func (c *Consumer) worker(cameraID string) *cameraWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if w, ok := c.workers[cameraID]; ok {
		return w
	}
	w := newCameraWorker(c, cameraID)
	c.workers[cameraID] = w
	go w.run()
	c.logger.Info("camera pipeline started", zap.String("camera_id", cameraID))
	return w
}

// GetTrackTable 返回某相机的轨迹表快照（诊断接口用）
func (c *Consumer) GetTrackTable(cameraID string) []models.Track {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	snap := c.snapshots[cameraID]
	out := make([]models.Track, len(snap))
	copy(out, snap)
	return out
}

// Cameras 返回已出现过的相机列表
func (c *Consumer) Cameras() []string {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	out := make([]string, 0, len(c.snapshots))
	for id := range c.snapshots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DroppedBatches 返回因队列满而丢弃的批次数
func (c *Consumer) DroppedBatches() uint64 { return atomic.LoadUint64(&c.dropped) }

// MalformedBatches 返回解析失败的批次数
func (c *Consumer) MalformedBatches() uint64 { return atomic.LoadUint64(&c.malformed) }

// setSnapshot 刷新相机轨迹表快照
func (c *Consumer) setSnapshot(cameraID string, tracks []models.Track) {
	c.snapMu.Lock()
	c.snapshots[cameraID] = tracks
	c.snapMu.Unlock()
	if c.sink != nil {
		c.sink.SetTrackTable(cameraID, tracks)
	}
}
