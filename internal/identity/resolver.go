package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"linewatch/internal/models"
)

// Config 身份解析配置
type Config struct {
	RetryInterval time.Duration // 识别未命中或失败后允许再次查询的间隔
	LostTTL       time.Duration // 绑定在丢失缓冲中的保留时长
	SimThreshold  float64       // 重识别余弦相似度阈值
}

// TrackKey 跨包引用轨迹的键
type TrackKey struct {
	CameraID string
	TrackID  uint64
}

// BoundFunc 绑定建立回调
// restored 为 true 表示该工人从丢失缓冲接回（含识别服务命中缓冲内工人的情形）
type BoundFunc func(binding models.WorkerBinding, restored bool)

// ExpiredFunc 丢失缓冲条目过期回调
type ExpiredFunc func(entry LostEntry)

// Resolver 维护轨迹与工人的绑定表
//
// 不变式：每个 worker_id 至多一条存活绑定。违反不变式的识别结果被拒绝，
// 旧绑定保留，并产生一条低严重度诊断事件。
//
// Resolve 从不阻塞在网络上：识别查询在独立 goroutine 中异步执行，
// 命中后写回绑定表。绑定与过期回调在锁外执行；诊断回调可能在锁内触发。
// 所有回调都必须快速返回且不得再调用 Resolver。
type Resolver struct {
	mu      sync.Mutex
	cfg     Config
	oracle  Oracle
	workers WorkerDirectory
	logger  *zap.Logger

	bindings map[string]*models.WorkerBinding // worker_id → 绑定
	byTrack  map[TrackKey]*models.WorkerBinding
	live     map[TrackKey]struct{} // 存活轨迹，查询返回时校验
	lastTry  map[TrackKey]time.Time
	inflight map[TrackKey]struct{}
	lost     *lostBuffer

	onBound   BoundFunc
	onExpired ExpiredFunc
	diag      DiagnosticSink
}

// New 创建身份解析器
// oracle 为 nil 时只保留重识别能力，不发起外部查询
func New(cfg Config, oracle Oracle, workers WorkerDirectory, logger *zap.Logger) *Resolver {
	return &Resolver{
		cfg:      cfg,
		oracle:   oracle,
		workers:  workers,
		logger:   logger,
		bindings: make(map[string]*models.WorkerBinding),
		byTrack:  make(map[TrackKey]*models.WorkerBinding),
		live:     make(map[TrackKey]struct{}),
		lastTry:  make(map[TrackKey]time.Time),
		inflight: make(map[TrackKey]struct{}),
		lost:     newLostBuffer(),
	}
}

// OnBound 注册绑定建立回调
func (r *Resolver) OnBound(fn BoundFunc) { r.onBound = fn }

// OnExpired 注册丢失缓冲过期回调
func (r *Resolver) OnExpired(fn ExpiredFunc) { r.onExpired = fn }

// OnDiagnostic 注册诊断事件回调
func (r *Resolver) OnDiagnostic(fn DiagnosticSink) { r.diag = fn }

// Resolve 返回轨迹当前绑定的工人
// 未绑定且距上次尝试超过重试间隔时，异步发起一次识别查询后立即返回
func (r *Resolver) Resolve(key TrackKey, sample Sample, ts time.Time) (string, bool) {
	r.mu.Lock()
	if b, ok := r.byTrack[key]; ok {
		workerID := b.WorkerID
		r.mu.Unlock()
		return workerID, true
	}
	if r.oracle == nil {
		r.mu.Unlock()
		return "", false
	}
	if sample.CropB64 == "" && len(sample.Embedding) == 0 {
		r.mu.Unlock()
		return "", false
	}
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return "", false
	}
	if last, tried := r.lastTry[key]; tried && ts.Sub(last) < r.cfg.RetryInterval {
		r.mu.Unlock()
		return "", false
	}
	r.inflight[key] = struct{}{}
	r.lastTry[key] = ts
	r.mu.Unlock()

	go r.runQuery(key, sample, ts)
	return "", false
}

// runQuery 在后台执行识别查询并写回绑定表
func (r *Resolver) runQuery(key TrackKey, sample Sample, ts time.Time) {
	match, err := r.oracle.Identify(context.Background(), sample)

	r.mu.Lock()
	delete(r.inflight, key)
	if err != nil {
		r.mu.Unlock()
		return // Chain 已记录失败日志，按重试间隔再试
	}
	if match == nil {
		r.mu.Unlock()
		return
	}
	if _, alive := r.live[key]; !alive {
		r.mu.Unlock()
		r.logger.Debug("identity match discarded, track already removed",
			zap.String("camera_id", key.CameraID),
			zap.Uint64("track_id", key.TrackID),
			zap.String("worker_id", match.WorkerID))
		return
	}
	if r.workers != nil && !r.workers.Exists(match.WorkerID) {
		r.mu.Unlock()
		r.logger.Warn("identity match rejected, worker not in directory",
			zap.String("camera_id", key.CameraID),
			zap.Uint64("track_id", key.TrackID),
			zap.String("worker_id", match.WorkerID))
		r.emitDiag(models.DiagnosticEvent{
			Kind:      models.DiagUnknownWorker,
			CameraID:  key.CameraID,
			TrackID:   key.TrackID,
			WorkerID:  match.WorkerID,
			Detail:    "identify result not in worker directory",
			Timestamp: ts,
		})
		return
	}
	binding, restored, ok := r.bindLocked(key, match.WorkerID, match.Confidence, ts, "oracle")
	r.mu.Unlock()

	if ok && r.onBound != nil {
		r.onBound(binding, restored)
	}
}

// OnTrackCreated 登记新轨迹并尝试用外观向量从丢失缓冲重识别
// 命中时立即建立绑定并返回工人 ID
func (r *Resolver) OnTrackCreated(key TrackKey, embedding []float32, ts time.Time) (string, bool) {
	r.mu.Lock()
	r.live[key] = struct{}{}
	delete(r.lastTry, key)

	entry := r.lost.bestMatch(embedding, r.cfg.SimThreshold, ts)
	if entry == nil {
		r.mu.Unlock()
		return "", false
	}
	binding, restored, ok := r.bindLocked(key, entry.WorkerID, entry.Similarity, ts, "reid")
	r.mu.Unlock()

	if !ok {
		return "", false
	}
	if r.onBound != nil {
		r.onBound(binding, restored)
	}
	return binding.WorkerID, true
}

// OnTrackRemoved 注销轨迹
// 有绑定时绑定转入丢失缓冲等待重识别，返回被转移的工人 ID
func (r *Resolver) OnTrackRemoved(key TrackKey, embedding []float32, zoneID string, ts time.Time) (string, bool) {
	r.mu.Lock()
	delete(r.live, key)
	delete(r.lastTry, key)
	delete(r.inflight, key)

	b, ok := r.byTrack[key]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byTrack, key)
	delete(r.bindings, b.WorkerID)
	r.lost.put(LostEntry{
		WorkerID:  b.WorkerID,
		CameraID:  key.CameraID,
		ZoneID:    zoneID,
		Embedding: embedding,
		RemovedAt: ts,
		ExpiresAt: ts.Add(r.cfg.LostTTL),
	})
	r.mu.Unlock()

	r.logger.Debug("binding moved to lost buffer",
		zap.String("worker_id", b.WorkerID),
		zap.String("camera_id", key.CameraID),
		zap.Uint64("track_id", key.TrackID),
		zap.Duration("ttl", r.cfg.LostTTL))
	return b.WorkerID, true
}

// SweepExpired 清理丢失缓冲中已过期的条目并触发过期回调
func (r *Resolver) SweepExpired(ts time.Time) int {
	r.mu.Lock()
	expired := r.lost.sweep(ts)
	r.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].WorkerID < expired[j].WorkerID })
	for _, entry := range expired {
		r.logger.Info("lost binding expired",
			zap.String("worker_id", entry.WorkerID),
			zap.Time("removed_at", entry.RemovedAt))
		if r.onExpired != nil {
			r.onExpired(entry)
		}
	}
	return len(expired)
}

// bindLocked 建立绑定并执行唯一性约束，调用方须持有锁
// 同一工人已绑定到其他存活轨迹时拒绝新绑定并产生诊断事件
func (r *Resolver) bindLocked(key TrackKey, workerID string, confidence float64, ts time.Time, source string) (models.WorkerBinding, bool, bool) {
	if existing, ok := r.bindings[workerID]; ok {
		if existing.CameraID == key.CameraID && existing.TrackID == key.TrackID {
			return *existing, false, true
		}
		r.logger.Warn("identity binding conflict, keeping existing binding",
			zap.String("worker_id", workerID),
			zap.String("bound_camera", existing.CameraID),
			zap.Uint64("bound_track", existing.TrackID),
			zap.String("rejected_camera", key.CameraID),
			zap.Uint64("rejected_track", key.TrackID),
			zap.String("source", source))
		r.emitDiag(models.DiagnosticEvent{
			Kind:      models.DiagBindingConflict,
			CameraID:  key.CameraID,
			TrackID:   key.TrackID,
			WorkerID:  workerID,
			Detail:    "worker already bound to a live track",
			Timestamp: ts,
		})
		return models.WorkerBinding{}, false, false
	}
	if _, ok := r.byTrack[key]; ok {
		// 轨迹已绑定其他工人，先到者保留
		r.logger.Debug("track already bound, ignoring later match",
			zap.String("camera_id", key.CameraID),
			zap.Uint64("track_id", key.TrackID),
			zap.String("worker_id", workerID))
		return models.WorkerBinding{}, false, false
	}

	restored := r.lost.claim(workerID, ts) != nil
	b := &models.WorkerBinding{
		TrackID:    key.TrackID,
		CameraID:   key.CameraID,
		WorkerID:   workerID,
		Confidence: confidence,
		BoundAt:    ts,
	}
	r.bindings[workerID] = b
	r.byTrack[key] = b

	r.logger.Info("worker bound to track",
		zap.String("worker_id", workerID),
		zap.String("camera_id", key.CameraID),
		zap.Uint64("track_id", key.TrackID),
		zap.Float64("confidence", confidence),
		zap.Bool("restored", restored),
		zap.String("source", source))
	return *b, restored, true
}

func (r *Resolver) emitDiag(event models.DiagnosticEvent) {
	if r.diag != nil {
		r.diag(event)
	}
}

// Bindings 返回当前全部存活绑定，按 worker_id 排序
func (r *Resolver) Bindings() []models.WorkerBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WorkerBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// LostCount 返回丢失缓冲中的条目数
func (r *Resolver) LostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost.len()
}
