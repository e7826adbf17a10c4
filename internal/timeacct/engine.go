// Package timeacct 按 (工人, 区域) 维护驻留会话并累计活跃/空闲时间。
//
// 引擎是全部会话状态的唯一所有者：单协程 actor 顺序消费一条事件通道，
// 同一会话的事件按帧时间戳顺序进入（相机协程各自串行），读查询在读锁下取快照。
// 计时一律使用相邻处理帧之间的墙钟差值，休息期间分文不计。
package timeacct

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"linewatch/internal/geometry"
	"linewatch/internal/models"
)

const (
	eventQueueDepth  = 1024
	recordQueueDepth = 256
)

// Config 计时引擎配置
type Config struct {
	IdlePixels float64       // 静止判定阈值：相邻帧中心位移小于该像素数视为静止
	IdleAfter  time.Duration // 连续静止达到该时长后转入空闲
}

// Observation 相机协程对一条已确认轨迹的单帧观察
type Observation struct {
	CameraID  string
	TrackID   uint64
	WorkerID  string // 空串表示未识别
	ZoneID    string // 空串表示不在任何区域
	Center    geometry.Point
	Timestamp time.Time
}

// Engine 计时引擎
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu           sync.RWMutex
	sessions     map[string]*session // worker → 开放会话
	detached     map[string]*session // worker → 等待重识别的挂起会话
	identified   map[string]string   // 占位键 → 已确立绑定的工人，轨迹删除时清除
	onBreak      bool
	currentIndex int // 当前班段编号，0 表示班段外
	shiftOver    bool

	events   chan func()
	records  chan models.SessionRecord
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewEngine 创建计时引擎
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[string]*session),
		detached:   make(map[string]*session),
		identified: make(map[string]string),
		events:     make(chan func(), eventQueueDepth),
		records:    make(chan models.SessionRecord, recordQueueDepth),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Records 返回终结记录输出通道，引擎停止后关闭
// 消费方负责持久化与发布，引擎自身不做任何 I/O
func (e *Engine) Records() <-chan models.SessionRecord { return e.records }

// Start 启动引擎协程
func (e *Engine) Start() {
	go e.run()
}

// Stop 停止引擎：排空待处理事件，把所有尚存会话按最后可见时刻终结，
// 然后关闭记录通道。必须在所有事件生产方停止之后调用。
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.events:
			fn()
		case <-e.stop:
			for {
				select {
				case fn := <-e.events:
					fn()
				default:
					e.shutdown()
					return
				}
			}
		}
	}
}

func (e *Engine) submit(fn func()) {
	select {
	case e.events <- fn:
	case <-e.stop:
	}
}

// Observe 投递一帧轨迹观察
func (e *Engine) Observe(obs Observation) {
	e.submit(func() { e.applyObserve(obs) })
}

// TrackRemoved 投递轨迹删除事件
// buffered 为 true 表示该工人的绑定已进入丢失缓冲，会话挂起等待重识别
func (e *Engine) TrackRemoved(cameraID string, trackID uint64, workerID string, buffered bool, ts time.Time) {
	e.submit(func() { e.applyTrackRemoved(cameraID, trackID, workerID, buffered, ts) })
}

// BindingEstablished 投递绑定确立事件：终结该轨迹名下的占位会话，
// 并登记绑定标记，此后该轨迹迟到的未识别观察一律丢弃而不会重开占位会话
func (e *Engine) BindingEstablished(workerID, cameraID string, trackID uint64, ts time.Time) {
	e.submit(func() { e.applyBindingEstablished(workerID, cameraID, trackID, ts) })
}

// BindingRestored 投递重识别接回事件
func (e *Engine) BindingRestored(workerID, cameraID string, trackID uint64, ts time.Time) {
	e.submit(func() { e.applyBindingRestored(workerID, cameraID, trackID, ts) })
}

// BindingExpired 投递丢失缓冲过期事件
func (e *Engine) BindingExpired(workerID string, removedAt time.Time) {
	e.submit(func() { e.applyBindingExpired(workerID, removedAt) })
}

// BreakStarted 投递休息开始事件
func (e *Engine) BreakStarted(ts time.Time) {
	e.submit(func() { e.applyBreakStarted(ts) })
}

// BreakEnded 投递休息结束事件
func (e *Engine) BreakEnded(ts time.Time) {
	e.submit(func() { e.applyBreakEnded(ts) })
}

// IndexTransition 投递班段切换事件
func (e *Engine) IndexTransition(to int, ts time.Time) {
	e.submit(func() { e.applyIndexTransition(to, ts) })
}

// ShiftEnded 投递班次结束事件，终结全部开放会话
func (e *Engine) ShiftEnded(ts time.Time) {
	e.submit(func() { e.applyShiftEnded(ts) })
}

// ShiftReset 投递开班事件：清除班次结束标志，班段与休息状态归零。
// 跨天运行的服务在新一天的时间线生效前调用。
func (e *Engine) ShiftReset(ts time.Time) {
	e.submit(func() { e.applyShiftReset(ts) })
}

// GetActiveSessions 返回全部开放会话（含挂起中的）的只读快照
func (e *Engine) GetActiveSessions() []models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Session, 0, len(e.sessions)+len(e.detached))
	for _, s := range e.sessions {
		out = append(out, s.snapshot())
	}
	for _, s := range e.detached {
		out = append(out, s.snapshot())
	}
	sortSessions(out)
	return out
}

func unassignedKey(cameraID string, trackID uint64) string {
	return models.UnassignedPrefix + cameraID + "-" + strconv.FormatUint(trackID, 10)
}

func (e *Engine) applyObserve(obs Observation) {
	var recs []models.SessionRecord

	e.mu.Lock()
	if e.shiftOver {
		e.mu.Unlock()
		return
	}

	worker := obs.WorkerID
	attributed := worker != ""
	if !attributed {
		worker = unassignedKey(obs.CameraID, obs.TrackID)
		if bound := e.identified[worker]; bound != "" {
			// 绑定确立前入队的陈旧未识别帧，丢弃以免重开占位会话
			e.mu.Unlock()
			e.logger.Debug("stale unidentified observation dropped",
				zap.String("camera_id", obs.CameraID),
				zap.Uint64("track_id", obs.TrackID),
				zap.String("bound_worker_id", bound))
			return
		}
	}

	s := e.sessions[worker]
	if s == nil {
		if _, suspended := e.detached[worker]; suspended {
			// 绑定接回事件尚未到达，跳过本帧等待 BindingRestored
			e.mu.Unlock()
			e.logger.Warn("observation ahead of binding restore, frame skipped",
				zap.String("worker_id", worker),
				zap.String("camera_id", obs.CameraID),
				zap.Uint64("track_id", obs.TrackID))
			return
		}
		if obs.ZoneID == "" {
			e.mu.Unlock()
			return
		}
		e.openSessionLocked(worker, obs, attributed)
		e.mu.Unlock()
		return
	}

	if obs.Timestamp.Before(s.lastTs) {
		e.mu.Unlock()
		e.logger.Error("out-of-order observation refused",
			zap.String("worker_id", worker),
			zap.String("zone_id", s.zoneID),
			zap.Time("have", s.lastTs),
			zap.Time("got", obs.Timestamp))
		return
	}

	if s.trackID != obs.TrackID || s.cameraID != obs.CameraID {
		// 同一工人换了轨迹（跨相机或重识别后），位移基线重建
		s.trackID = obs.TrackID
		s.cameraID = obs.CameraID
		s.hasCenter = false
	}

	if obs.ZoneID != s.zoneID {
		// 离开原区域：结清到本帧后终结，进入新区域则立即开新会话
		e.accrueContinuation(s, obs.Timestamp)
		recs = append(recs, e.finalizeLocked(s, obs.Timestamp, "zone_exit"))
		if obs.ZoneID != "" {
			e.openSessionLocked(worker, obs, attributed)
		}
		e.mu.Unlock()
		e.emitAll(recs)
		return
	}

	e.accrueObserved(s, obs)
	e.mu.Unlock()
}

// openSessionLocked 开启新会话，调用方须持有写锁
func (e *Engine) openSessionLocked(worker string, obs Observation, attributed bool) {
	s := newSession(worker, obs.ZoneID, obs.CameraID, obs.TrackID, e.currentIndex, obs.Timestamp, attributed)
	if e.onBreak {
		s.preBreak = models.SessionActive
		s.state = models.SessionBreakPaused
	}
	s.lastCenter = obs.Center
	s.hasCenter = true
	e.sessions[worker] = s
	e.logger.Info("session opened",
		zap.String("session_id", s.id),
		zap.String("worker_id", worker),
		zap.String("zone_id", obs.ZoneID),
		zap.String("camera_id", obs.CameraID),
		zap.Uint64("track_id", obs.TrackID),
		zap.Int("index_number", s.indexNumber),
		zap.Bool("attributed", attributed))
}

// accrueObserved 同区域连续帧的常规计时
func (e *Engine) accrueObserved(s *session, obs Observation) {
	defer func() {
		s.lastTs = obs.Timestamp
		s.lastCenter = obs.Center
		s.hasCenter = true
	}()

	if s.state == models.SessionBreakPaused {
		return
	}
	delta := obs.Timestamp.Sub(s.lastTs).Seconds()
	if delta <= 0 {
		return
	}
	still := s.hasCenter && geometry.Distance(obs.Center, s.lastCenter) < e.cfg.IdlePixels
	idx := e.currentIndex

	switch s.state {
	case models.SessionActive:
		if still {
			if s.pendingTotal == 0 {
				s.runStart = s.lastTs
			}
			s.pending[idx] += delta
			s.pendingTotal += delta
			if s.pendingTotal >= e.cfg.IdleAfter.Seconds() {
				// 整段静止游程追认为空闲，空闲期从游程起点算起
				s.state = models.SessionIdle
				s.idleStart = s.runStart
				s.promotePendingToIdle()
				e.logger.Debug("session went idle",
					zap.String("worker_id", s.workerID),
					zap.String("zone_id", s.zoneID),
					zap.Float64("still_seconds", s.runSeconds))
			}
		} else {
			s.flushPendingToActive()
			s.creditActive(delta, idx)
		}
	case models.SessionIdle:
		if still {
			s.creditIdle(delta, idx)
			s.runSeconds += delta
		} else {
			s.closeIdlePeriod(s.lastTs)
			s.state = models.SessionActive
			s.creditActive(delta, idx)
		}
	}
}

// accrueContinuation 无逐帧证据时按当前状态把时间结清到 ts
// （区域切换、轨迹删除、休息与班段边界、班次结束时使用）
func (e *Engine) accrueContinuation(s *session, ts time.Time) {
	if s.state == models.SessionBreakPaused {
		s.lastTs = ts
		return
	}
	delta := ts.Sub(s.lastTs).Seconds()
	if delta <= 0 {
		return
	}
	idx := e.currentIndex
	switch s.state {
	case models.SessionActive:
		if s.pendingTotal > 0 {
			s.pending[idx] += delta
			s.pendingTotal += delta
		} else {
			s.creditActive(delta, idx)
		}
	case models.SessionIdle:
		s.creditIdle(delta, idx)
		s.runSeconds += delta
	}
	s.lastTs = ts
}

func (e *Engine) applyBindingEstablished(workerID, cameraID string, trackID uint64, ts time.Time) {
	var recs []models.SessionRecord
	key := unassignedKey(cameraID, trackID)

	e.mu.Lock()
	e.identified[key] = workerID
	if s := e.sessions[key]; s != nil {
		e.accrueContinuation(s, ts)
		recs = append(recs, e.finalizeLocked(s, ts, "identified"))
	}
	e.mu.Unlock()
	e.emitAll(recs)
}

func (e *Engine) applyTrackRemoved(cameraID string, trackID uint64, workerID string, buffered bool, ts time.Time) {
	var recs []models.SessionRecord

	e.mu.Lock()
	delete(e.identified, unassignedKey(cameraID, trackID))
	if workerID == "" {
		// 未识别轨迹没有重识别资格，占位会话立即终结
		if s := e.sessions[unassignedKey(cameraID, trackID)]; s != nil {
			e.accrueContinuation(s, ts)
			recs = append(recs, e.finalizeLocked(s, ts, "track_removed"))
		}
		e.mu.Unlock()
		e.emitAll(recs)
		return
	}

	s := e.sessions[workerID]
	if s == nil {
		e.mu.Unlock()
		return
	}
	if s.trackID != trackID || s.cameraID != cameraID {
		e.mu.Unlock()
		e.logger.Debug("stale track removal ignored",
			zap.String("worker_id", workerID),
			zap.String("camera_id", cameraID),
			zap.Uint64("track_id", trackID))
		return
	}

	e.accrueContinuation(s, ts)
	if buffered {
		// 绑定在丢失缓冲内：会话挂起，重识别接回前分文不计
		s.detachedAt = ts
		delete(e.sessions, workerID)
		e.detached[workerID] = s
		e.logger.Info("session suspended awaiting reidentification",
			zap.String("session_id", s.id),
			zap.String("worker_id", workerID),
			zap.String("zone_id", s.zoneID))
	} else {
		recs = append(recs, e.finalizeLocked(s, ts, "identity_lost"))
	}
	e.mu.Unlock()
	e.emitAll(recs)
}

func (e *Engine) applyBindingRestored(workerID, cameraID string, trackID uint64, ts time.Time) {
	e.mu.Lock()
	s := e.detached[workerID]
	if s == nil {
		e.mu.Unlock()
		return
	}
	if _, open := e.sessions[workerID]; open {
		e.mu.Unlock()
		e.logger.Error("binding restore refused, worker already has an open session",
			zap.String("worker_id", workerID))
		return
	}
	gap := ts.Sub(s.detachedAt)
	delete(e.detached, workerID)
	s.detachedAt = time.Time{}
	s.trackID = trackID
	s.cameraID = cameraID
	s.lastTs = ts
	s.hasCenter = false
	e.sessions[workerID] = s
	e.mu.Unlock()

	e.logger.Info("session reattached after reidentification",
		zap.String("session_id", s.id),
		zap.String("worker_id", workerID),
		zap.String("zone_id", s.zoneID),
		zap.Duration("gap", gap))
}

func (e *Engine) applyBindingExpired(workerID string, removedAt time.Time) {
	var recs []models.SessionRecord

	e.mu.Lock()
	if s := e.detached[workerID]; s != nil {
		recs = append(recs, e.finalizeLocked(s, removedAt, "reid_expired"))
	}
	e.mu.Unlock()
	e.emitAll(recs)
}

func (e *Engine) applyBreakStarted(ts time.Time) {
	e.mu.Lock()
	e.onBreak = true
	for _, s := range e.sessions {
		e.accrueContinuation(s, ts)
		// 未达阈值的静止游程随休息边界冲正为活跃
		s.flushPendingToActive()
		if s.state != models.SessionBreakPaused {
			s.preBreak = s.state
			s.state = models.SessionBreakPaused
		}
		s.lastTs = ts
	}
	for _, s := range e.detached {
		if s.state != models.SessionBreakPaused {
			s.preBreak = s.state
			s.state = models.SessionBreakPaused
		}
	}
	n := len(e.sessions) + len(e.detached)
	e.mu.Unlock()
	e.logger.Info("accrual paused for break", zap.Int("sessions", n))
}

func (e *Engine) applyBreakEnded(ts time.Time) {
	e.mu.Lock()
	e.onBreak = false
	for _, s := range e.sessions {
		if s.state == models.SessionBreakPaused {
			s.state = s.preBreak
			s.lastTs = ts
		}
	}
	for _, s := range e.detached {
		if s.state == models.SessionBreakPaused {
			s.state = s.preBreak
		}
	}
	n := len(e.sessions) + len(e.detached)
	e.mu.Unlock()
	e.logger.Info("accrual resumed after break", zap.Int("sessions", n))
}

func (e *Engine) applyIndexTransition(to int, ts time.Time) {
	e.mu.Lock()
	// 先把所有会话结清到边界，边界前的时间落入旧班段
	for _, s := range e.sessions {
		e.accrueContinuation(s, ts)
	}
	from := e.currentIndex
	e.currentIndex = to
	e.mu.Unlock()
	e.logger.Info("index transition applied",
		zap.Int("from", from),
		zap.Int("to", to))
}

func (e *Engine) applyShiftReset(ts time.Time) {
	e.mu.Lock()
	e.shiftOver = false
	e.onBreak = false
	e.currentIndex = 0
	e.mu.Unlock()
	e.logger.Info("accounting reset for new shift day", zap.Time("at", ts))
}

func (e *Engine) applyShiftEnded(ts time.Time) {
	var recs []models.SessionRecord

	e.mu.Lock()
	for _, worker := range sortedKeys(e.sessions) {
		s := e.sessions[worker]
		e.accrueContinuation(s, ts)
		recs = append(recs, e.finalizeLocked(s, ts, "shift_end"))
	}
	for _, worker := range sortedKeys(e.detached) {
		s := e.detached[worker]
		recs = append(recs, e.finalizeLocked(s, s.detachedAt, "shift_end"))
	}
	e.shiftOver = true
	e.onBreak = false
	e.mu.Unlock()

	e.logger.Info("shift ended, all sessions finalized", zap.Int("finalized", len(recs)))
	e.emitAll(recs)
}

// finalizeLocked 终结会话并返回不可变记录，调用方须持有写锁
func (e *Engine) finalizeLocked(s *session, exit time.Time, reason string) models.SessionRecord {
	delete(e.sessions, s.workerID)
	delete(e.detached, s.workerID)
	rec := s.record(exit)
	e.logger.Info("session finalized",
		zap.String("session_id", rec.SessionID),
		zap.String("worker_id", rec.WorkerID),
		zap.String("zone_id", rec.ZoneID),
		zap.String("camera_id", rec.CameraID),
		zap.Float64("active_seconds", rec.ActiveSeconds),
		zap.Float64("idle_seconds", rec.IdleSeconds),
		zap.String("final_state", string(rec.FinalState)),
		zap.Bool("attributed", rec.Attributed),
		zap.String("reason", reason))
	return rec
}

// emitAll 在锁外投递终结记录，通道满时阻塞形成背压
func (e *Engine) emitAll(recs []models.SessionRecord) {
	for _, rec := range recs {
		e.records <- rec
	}
}

// shutdown 停机收尾：按最后可见时刻终结所有尚存会话并关闭记录通道
func (e *Engine) shutdown() {
	var recs []models.SessionRecord

	e.mu.Lock()
	for _, worker := range sortedKeys(e.sessions) {
		s := e.sessions[worker]
		recs = append(recs, e.finalizeLocked(s, s.lastTs, "shutdown"))
	}
	for _, worker := range sortedKeys(e.detached) {
		s := e.detached[worker]
		recs = append(recs, e.finalizeLocked(s, s.detachedAt, "shutdown"))
	}
	e.mu.Unlock()

	e.emitAll(recs)
	close(e.records)
	e.logger.Info("time accounting engine stopped", zap.Int("finalized", len(recs)))
}

func sortedKeys(m map[string]*session) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
