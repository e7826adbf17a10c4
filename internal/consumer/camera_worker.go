package consumer

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"linewatch/internal/identity"
	"linewatch/internal/models"
	"linewatch/internal/timeacct"
	"linewatch/internal/tracker"
)

// timeoutCheckEvery 相机断流检查周期
const timeoutCheckEvery = time.Second

// cameraWorker 单路相机的流水线协程
// 独占自己的跟踪器与队列，所有帧串行处理，保证同一轨迹的事件按时间顺序进入计时引擎
type cameraWorker struct {
	c        *Consumer
	cameraID string
	tracker  *tracker.Tracker
	queue    chan *models.DetectionBatch

	lastZone    map[uint64]string // track_id → 最近归属的区域
	lastFrame   uint64
	lastTs      time.Time         // 最近有效批次的生产端时间戳
	lastBatchAt time.Time         // 最近批次的本地到达时刻（断流检测用）
	flushed     bool // 断流后已清空轨迹表，恢复来流前不再重复清空

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newCameraWorker(c *Consumer, cameraID string) *cameraWorker {
	return &cameraWorker{
		c:        c,
		cameraID: cameraID,
		tracker:  tracker.New(cameraID, c.trackerCfg, c.logger),
		queue:    make(chan *models.DetectionBatch, c.cfg.QueueDepth),
		lastZone: make(map[uint64]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// enqueue 入队一个批次，队列满时丢最旧（有界延迟优先于无界内存）
// nil 批次表示坏帧，处理时按整帧缺失计
func (w *cameraWorker) enqueue(b *models.DetectionBatch) {
	for {
		select {
		case w.queue <- b:
			return
		default:
		}
		select {
		case old := <-w.queue:
			n := atomic.AddUint64(&w.c.dropped, 1)
			w.c.logger.Warn("detection queue full, dropping oldest batch",
				zap.String("camera_id", w.cameraID),
				zap.Uint64("dropped_total", n))
			if w.c.sink != nil && old != nil {
				w.c.sink.PublishDiagnostic(models.DiagnosticEvent{
					Kind:      models.DiagBatchDropped,
					CameraID:  w.cameraID,
					Detail:    "queue full, oldest batch dropped",
					Timestamp: time.Now(),
				})
			}
		default:
		}
	}
}

func (w *cameraWorker) run() {
	defer close(w.done)
	ticker := time.NewTicker(timeoutCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case b := <-w.queue:
			w.process(b)
		case <-ticker.C:
			w.checkTimeout(time.Now())
		case <-w.stop:
			w.flush(time.Now(), "shutdown")
			return
		}
	}
}

// shutdown 停止协程并等待退出，存活轨迹全部移除
func (w *cameraWorker) shutdown() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
	})
}

// process 处理一个批次，nil 表示坏帧
func (w *cameraWorker) process(b *models.DetectionBatch) {
	w.lastBatchAt = time.Now()
	w.flushed = false

	var events []models.TrackEvent
	var ts time.Time
	if b == nil {
		// 坏帧沿用生产端时钟，否则生产端时钟偏快时后续有效帧会被判为乱序
		ts = w.lastTs
		if ts.IsZero() {
			ts = time.Now()
		}
		w.lastFrame++
		events = w.tracker.MissAll(w.lastFrame, ts)
	} else {
		ts = b.Timestamp()
		w.lastFrame = b.FrameID
		w.lastTs = ts
		events = w.tracker.Update(b.FrameID, ts, b.ToDetections())
	}

	w.handleEvents(events)
	w.c.setSnapshot(w.cameraID, w.tracker.Snapshot())
}

// checkTimeout 相机断流检测：超时未来流则移除全部存活轨迹，
// 触发下游会话终结而不是让状态悄悄冻结
func (w *cameraWorker) checkTimeout(now time.Time) {
	if w.flushed || w.lastBatchAt.IsZero() || w.c.cfg.CameraTimeout <= 0 {
		return
	}
	if now.Sub(w.lastBatchAt) < w.c.cfg.CameraTimeout {
		return
	}
	w.c.logger.Warn("camera feed timed out, removing live tracks",
		zap.String("camera_id", w.cameraID),
		zap.Duration("silence", now.Sub(w.lastBatchAt)))
	w.flush(now, "camera_timeout")
	w.flushed = true
}

// flush 移除全部存活轨迹并下发事件
func (w *cameraWorker) flush(ts time.Time, reason string) {
	events := w.tracker.Flush(w.lastFrame, ts)
	if len(events) == 0 {
		return
	}
	w.c.logger.Info("camera tracks flushed",
		zap.String("camera_id", w.cameraID),
		zap.Int("tracks", len(events)),
		zap.String("reason", reason))
	w.handleEvents(events)
	w.c.setSnapshot(w.cameraID, w.tracker.Snapshot())
}

// handleEvents 把一帧的轨迹事件推进后续阶段：
// 区域归属、身份解析、计时观察，并发布事件流
func (w *cameraWorker) handleEvents(events []models.TrackEvent) {
	for _, ev := range events {
		if w.c.sink != nil {
			w.c.sink.PublishTrackEvent(ev)
		}
		key := identity.TrackKey{CameraID: w.cameraID, TrackID: ev.TrackID}

		switch ev.Type {
		case models.TrackEventCreated:
			// 新轨迹先尝试丢失缓冲重识别，命中时经绑定回调接回挂起会话
			w.c.resolver.OnTrackCreated(key, ev.Embedding, ev.Timestamp)

		case models.TrackEventConfirmed, models.TrackEventUpdated:
			if ev.State != models.TrackConfirmed {
				continue
			}
			w.observe(key, ev)

		case models.TrackEventRemoved:
			zoneID := w.lastZone[ev.TrackID]
			delete(w.lastZone, ev.TrackID)
			workerID, buffered := w.c.resolver.OnTrackRemoved(key, ev.Embedding, zoneID, ev.Timestamp)
			w.c.engine.TrackRemoved(w.cameraID, ev.TrackID, workerID, buffered, ev.Timestamp)
		}
	}
}

// observe 对一条已确认轨迹完成本帧的归属、解析与计时
func (w *cameraWorker) observe(key identity.TrackKey, ev models.TrackEvent) {
	center := ev.Bbox.Center()
	zoneID, _ := w.c.attributor.Assign(center, w.cameraID)
	w.lastZone[ev.TrackID] = zoneID

	if w.c.sink != nil {
		w.c.sink.PublishZoneAssignment(models.ZoneAssignment{
			TrackID:   ev.TrackID,
			CameraID:  w.cameraID,
			ZoneID:    zoneID,
			Timestamp: ev.Timestamp,
		})
	}

	workerID, _ := w.c.resolver.Resolve(key, identity.Sample{
		CameraID:  w.cameraID,
		TrackID:   ev.TrackID,
		CropB64:   ev.CropB64,
		Embedding: ev.Embedding,
	}, ev.Timestamp)

	w.c.engine.Observe(timeacct.Observation{
		CameraID:  w.cameraID,
		TrackID:   ev.TrackID,
		WorkerID:  workerID,
		ZoneID:    zoneID,
		Center:    center,
		Timestamp: ev.Timestamp,
	})
}
