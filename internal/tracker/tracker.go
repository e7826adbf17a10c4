// Package tracker 实现单相机多目标跟踪：
// 常速卡尔曼预测 + 两阶段 IoU 关联（高分检测先匹配，低分检测救回），
// 轨迹生命周期为 Tentative -> Confirmed -> Lost -> Removed。
// 每个 Tracker 实例独占自己的轨迹表，由所属相机协程串行调用。
package tracker

import (
	"sort"
	"time"

	"linewatch/internal/geometry"
	"linewatch/internal/models"

	"go.uber.org/zap"
)

// secondStageIoU 低分检测救回阶段的 IoU 门限
const secondStageIoU = 0.5

// Config 跟踪器参数
type Config struct {
	TrackThresh      float64 // 新建轨迹所需的检测置信度
	LowConfThresh    float64 // 参与二阶段关联的最低置信度
	MatchIoU         float64 // 一阶段关联接受的最小 IoU
	ConfirmStreak    int     // 连续命中多少帧后确认
	LostBuffer       int     // 连续丢失多少帧后删除
	AppearanceWeight float64 // 外观距离权重，0 关闭
}

// track 单条轨迹（包内私有，外部只见快照与事件）
type track struct {
	id            uint64
	state         models.TrackState
	kf            kalmanFilter
	lastBbox      geometry.Rect
	predicted     geometry.Rect
	hitStreak     uint32
	missStreak    uint32
	wasConfirmed  bool // 是否曾达到过确认态，决定救回后的去向
	confidence    float64
	embedding     []float32
	cropB64       string
	lastSeenFrame uint64
	lastTimestamp time.Time
}

// Tracker 单相机跟踪器
type Tracker struct {
	cameraID string
	cfg      Config
	logger   *zap.Logger
	tracks   map[uint64]*track
	nextID   uint64
}

// New 创建跟踪器
func New(cameraID string, cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		cameraID: cameraID,
		cfg:      cfg,
		logger:   logger,
		tracks:   make(map[uint64]*track),
	}
}

// CameraID 返回所属相机
func (t *Tracker) CameraID() string { return t.cameraID }

// Update 处理一帧检测结果，返回本帧产生的轨迹事件。
// dets 为空时等价于整帧丢失：所有轨迹按未匹配处理。
func (t *Tracker) Update(frameID uint64, ts time.Time, dets []models.Detection) []models.TrackEvent {
	var events []models.TrackEvent

	// 1. 全部轨迹先做运动预测
	ids := t.sortedIDs()
	for _, id := range ids {
		tr := t.tracks[id]
		tr.kf.predict()
		tr.predicted = xyahToRect(tr.kf.mean)
	}

	// 2. 检测按置信度分层；层内按置信度降序，平分时先到先得，结果确定
	var high, low []models.Detection
	for _, d := range dets {
		switch {
		case d.Confidence >= t.cfg.TrackThresh:
			high = append(high, d)
		case d.Confidence > t.cfg.LowConfThresh:
			low = append(low, d)
		}
	}
	sort.SliceStable(high, func(i, j int) bool { return high[i].Confidence > high[j].Confidence })
	sort.SliceStable(low, func(i, j int) bool { return low[i].Confidence > low[j].Confidence })

	matched := make(map[uint64]bool, len(ids))
	usedHigh := make([]bool, len(high))

	// 3. 一阶段：全部存活轨迹 × 高分检测
	if len(ids) > 0 && len(high) > 0 {
		assign := solveAssignment(t.buildCost(ids, high, t.cfg.MatchIoU))
		for row, col := range assign {
			if col < 0 {
				continue
			}
			tr := t.tracks[ids[row]]
			events = append(events, t.applyMatch(tr, high[col], frameID, ts))
			matched[tr.id] = true
			usedHigh[col] = true
		}
	}

	// 4. 二阶段：一阶段落空的已确认轨迹 × 低分检测（减少遮挡期间的ID切换）
	var remain []uint64
	for _, id := range ids {
		if !matched[id] && t.tracks[id].state == models.TrackConfirmed {
			remain = append(remain, id)
		}
	}
	if len(remain) > 0 && len(low) > 0 {
		assign := solveAssignment(t.buildCost(remain, low, secondStageIoU))
		for row, col := range assign {
			if col < 0 {
				continue
			}
			tr := t.tracks[remain[row]]
			events = append(events, t.applyMatch(tr, low[col], frameID, ts))
			matched[tr.id] = true
		}
	}

	// 5. 未匹配轨迹按生命周期老化，未确认轨迹与已确认轨迹走同一条丢失路径
	for _, id := range ids {
		if matched[id] {
			continue
		}
		tr := t.tracks[id]
		switch tr.state {
		case models.TrackTentative, models.TrackConfirmed:
			tr.state = models.TrackLost
			tr.hitStreak = 0
			tr.missStreak = 1
			events = append(events, t.event(models.TrackEventLost, tr, frameID, ts))
		case models.TrackLost:
			tr.missStreak++
			if int(tr.missStreak) >= t.cfg.LostBuffer {
				events = append(events, t.remove(tr, frameID, ts))
			}
		}
	}

	// 6. 未匹配的高分检测生成新轨迹
	for i, d := range high {
		if usedHigh[i] || d.Confidence <= t.cfg.TrackThresh {
			continue
		}
		tr := t.spawn(d, frameID, ts)
		events = append(events, t.event(models.TrackEventCreated, tr, frameID, ts))
	}

	return events
}

// MissAll 整帧缺失（断流、坏批次），所有轨迹按丢失一帧处理
func (t *Tracker) MissAll(frameID uint64, ts time.Time) []models.TrackEvent {
	return t.Update(frameID, ts, nil)
}

// Flush 相机断流或停机时移除全部存活轨迹，触发下游会话终结
func (t *Tracker) Flush(frameID uint64, ts time.Time) []models.TrackEvent {
	var events []models.TrackEvent
	for _, id := range t.sortedIDs() {
		events = append(events, t.remove(t.tracks[id], frameID, ts))
	}
	return events
}

// Snapshot 当前轨迹表快照（诊断接口使用）
func (t *Tracker) Snapshot() []models.Track {
	out := make([]models.Track, 0, len(t.tracks))
	for _, id := range t.sortedIDs() {
		tr := t.tracks[id]
		out = append(out, models.Track{
			TrackID:       tr.id,
			CameraID:      t.cameraID,
			State:         tr.state,
			LastBbox:      tr.lastBbox,
			PredictedBbox: tr.predicted,
			HitStreak:     tr.hitStreak,
			MissStreak:    tr.missStreak,
			LastSeenFrame: tr.lastSeenFrame,
			Confidence:    tr.confidence,
		})
	}
	return out
}

// buildCost 构建代价矩阵：1-IoU 为主，低于 gate 的配对不可行；
// 双方都带外观特征时叠加加权外观距离作平局裁决
func (t *Tracker) buildCost(trackIDs []uint64, dets []models.Detection, gate float64) [][]float64 {
	cost := make([][]float64, len(trackIDs))
	for i, id := range trackIDs {
		tr := t.tracks[id]
		row := make([]float64, len(dets))
		for j, d := range dets {
			iou := tr.predicted.IoU(d.Bbox)
			if iou < gate {
				row[j] = bigCost
				continue
			}
			c := 1 - iou
			if t.cfg.AppearanceWeight > 0 && len(tr.embedding) > 0 && len(d.Embedding) > 0 {
				c += t.cfg.AppearanceWeight * (1 - geometry.CosineSimilarity(tr.embedding, d.Embedding))
			}
			row[j] = c
		}
		cost[i] = row
	}
	return cost
}

// applyMatch 用匹配到的检测更新轨迹并推进状态机
func (t *Tracker) applyMatch(tr *track, d models.Detection, frameID uint64, ts time.Time) models.TrackEvent {
	tr.kf.update(rectToXYAH(d.Bbox))
	tr.predicted = xyahToRect(tr.kf.mean)
	tr.lastBbox = d.Bbox
	tr.confidence = d.Confidence
	if len(d.Embedding) > 0 {
		tr.embedding = d.Embedding
	}
	if d.CropB64 != "" {
		tr.cropB64 = d.CropB64
	}
	tr.lastSeenFrame = frameID
	tr.lastTimestamp = ts
	tr.missStreak = 0
	tr.hitStreak++

	evType := models.TrackEventUpdated
	if tr.state == models.TrackLost {
		if tr.wasConfirmed {
			// 曾确认过的轨迹救回后直接恢复确认态
			tr.state = models.TrackConfirmed
		} else {
			// 确认前就丢过的轨迹救回后重回试用期，连续命中重新累计
			tr.state = models.TrackTentative
		}
	}
	if tr.state == models.TrackTentative && int(tr.hitStreak) >= t.cfg.ConfirmStreak {
		tr.state = models.TrackConfirmed
		tr.wasConfirmed = true
		evType = models.TrackEventConfirmed
		t.logger.Debug("track confirmed",
			zap.String("camera_id", t.cameraID),
			zap.Uint64("track_id", tr.id))
	}

	return t.event(evType, tr, frameID, ts)
}

// spawn 由高分检测新建轨迹
func (t *Tracker) spawn(d models.Detection, frameID uint64, ts time.Time) *track {
	t.nextID++
	tr := &track{
		id:            t.nextID,
		state:         models.TrackTentative,
		lastBbox:      d.Bbox,
		predicted:     d.Bbox,
		hitStreak:     1,
		confidence:    d.Confidence,
		embedding:     d.Embedding,
		cropB64:       d.CropB64,
		lastSeenFrame: frameID,
		lastTimestamp: ts,
	}
	tr.kf.initiate(rectToXYAH(d.Bbox))
	t.tracks[tr.id] = tr
	return tr
}

// remove 删除轨迹并产生 Removed 事件，事件带最后的外观特征供丢失缓冲区使用
func (t *Tracker) remove(tr *track, frameID uint64, ts time.Time) models.TrackEvent {
	tr.state = models.TrackRemoved
	delete(t.tracks, tr.id)
	return t.event(models.TrackEventRemoved, tr, frameID, ts)
}

func (t *Tracker) event(typ models.TrackEventType, tr *track, frameID uint64, ts time.Time) models.TrackEvent {
	return models.TrackEvent{
		Type:      typ,
		CameraID:  t.cameraID,
		TrackID:   tr.id,
		State:     tr.state,
		Bbox:      tr.lastBbox,
		FrameID:   frameID,
		Timestamp: ts,
		Embedding: tr.embedding,
		CropB64:   tr.cropB64,
	}
}

func (t *Tracker) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
