package timeacct

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"linewatch/internal/geometry"
	"linewatch/internal/models"
)

// session 引擎内部的开放会话
// 所有字段只由引擎协程读写
type session struct {
	id          string
	workerID    string
	zoneID      string
	cameraID    string
	trackID     uint64
	indexNumber int
	entry       time.Time
	state       models.SessionState
	preBreak    models.SessionState // BreakPaused 结束后恢复的状态

	active float64 // 秒
	idle   float64 // 秒

	// 静止游程：尚未达到空闲阈值的连续静止时间，按班段分桶暂存，
	// 达阈值整段转入 idle，游程提前结束则整段冲正为 active
	pending      map[int]float64
	pendingTotal float64
	runStart     time.Time // 当前静止游程起点
	runSeconds   float64   // 当前游程已持续秒数（空闲状态下为本次空闲时长）

	idleStart   time.Time // 当前空闲期起点
	idlePeriods []models.IdlePeriod

	slices map[int]*models.IndexSlice

	lastTs     time.Time
	lastCenter geometry.Point
	hasCenter  bool
	attributed bool
	detachedAt time.Time // 绑定进入丢失缓冲的时刻，零值表示未挂起
}

func newSession(workerID, zoneID, cameraID string, trackID uint64, indexNumber int, ts time.Time, attributed bool) *session {
	return &session{
		id:          uuid.New().String(),
		workerID:    workerID,
		zoneID:      zoneID,
		cameraID:    cameraID,
		trackID:     trackID,
		indexNumber: indexNumber,
		entry:       ts,
		state:       models.SessionActive,
		pending:     make(map[int]float64),
		slices:      make(map[int]*models.IndexSlice),
		lastTs:      ts,
		attributed:  attributed,
	}
}

func (s *session) slice(index int) *models.IndexSlice {
	sl, ok := s.slices[index]
	if !ok {
		sl = &models.IndexSlice{IndexNumber: index}
		s.slices[index] = sl
	}
	return sl
}

// creditActive 把秒数计入活跃时间
func (s *session) creditActive(sec float64, index int) {
	s.active += sec
	s.slice(index).ActiveSeconds += sec
}

// creditIdle 把秒数计入空闲时间
func (s *session) creditIdle(sec float64, index int) {
	s.idle += sec
	s.slice(index).IdleSeconds += sec
}

// flushPendingToActive 游程未达阈值即结束，暂存的静止时间全部属于活跃
func (s *session) flushPendingToActive() {
	for idx, sec := range s.pending {
		s.creditActive(sec, idx)
		delete(s.pending, idx)
	}
	s.pendingTotal = 0
	s.runSeconds = 0
}

// promotePendingToIdle 游程达到阈值，暂存的静止时间整段追认为空闲
func (s *session) promotePendingToIdle() {
	for idx, sec := range s.pending {
		s.creditIdle(sec, idx)
		delete(s.pending, idx)
	}
	s.runSeconds = s.pendingTotal
	s.pendingTotal = 0
}

// closeIdlePeriod 结束当前空闲期并入账
func (s *session) closeIdlePeriod(end time.Time) {
	if s.idleStart.IsZero() {
		return
	}
	s.idlePeriods = append(s.idlePeriods, models.IdlePeriod{Start: s.idleStart, End: end})
	s.idleStart = time.Time{}
	s.runSeconds = 0
}

// snapshot 导出只读快照
func (s *session) snapshot() models.Session {
	return models.Session{
		SessionID:     s.id,
		WorkerID:      s.workerID,
		ZoneID:        s.zoneID,
		CameraID:      s.cameraID,
		TrackID:       s.trackID,
		IndexNumber:   s.indexNumber,
		EntryTime:     s.entry,
		ActiveSeconds: s.active,
		IdleSeconds:   s.idle,
		State:         s.state,
		IdleRunLength: s.runSeconds + s.pendingTotal,
		Attributed:    s.attributed,
	}
}

// record 构建终结记录，终结时 pending 游程一律冲正为活跃
func (s *session) record(exit time.Time) models.SessionRecord {
	s.flushPendingToActive()
	if s.state == models.SessionIdle || (s.state == models.SessionBreakPaused && s.preBreak == models.SessionIdle) {
		s.closeIdlePeriod(exit)
	}

	breakdown := make([]models.IndexSlice, 0, len(s.slices))
	for _, sl := range s.slices {
		breakdown = append(breakdown, *sl)
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].IndexNumber < breakdown[j].IndexNumber })

	return models.SessionRecord{
		SessionID:      s.id,
		WorkerID:       s.workerID,
		ZoneID:         s.zoneID,
		CameraID:       s.cameraID,
		TrackID:        s.trackID,
		IndexNumber:    s.indexNumber,
		EntryTime:      s.entry,
		ExitTime:       exit,
		ActiveSeconds:  s.active,
		IdleSeconds:    s.idle,
		FinalState:     s.state,
		Attributed:     s.attributed,
		IdlePeriods:    s.idlePeriods,
		IndexBreakdown: breakdown,
	}
}

// sortSessions 按工人ID、进入时间排序快照，保证查询结果稳定
func sortSessions(list []models.Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].WorkerID != list[j].WorkerID {
			return list[i].WorkerID < list[j].WorkerID
		}
		return list[i].EntryTime.Before(list[j].EntryTime)
	})
}
