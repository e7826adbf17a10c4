package schedule

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType 班次事件类型
type EventType string

const (
	EventIndexTransition EventType = "index_transition"
	EventBreakStarted    EventType = "break_started"
	EventBreakEnded      EventType = "break_ended"
	EventShiftEnded      EventType = "shift_ended"
)

// Event 班次事件
// Timestamp 是边界的精确时刻而非轮询时刻，轮询抖动不影响下游计时
// 档位编号 1..N，0 表示无档位；FromIndex 仅对 index_transition 有意义
type Event struct {
	Type        EventType `json:"type"`
	FromIndex   int       `json:"from_index,omitempty"`
	IndexNumber int       `json:"index_number,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFunc 班次事件回调
type EventFunc func(Event)

// Manager 定时轮询时间线并在跨越边界时发出事件
// 每次轮询补齐 (上次轮询, 本次] 之间错过的全部边界，事件按时间顺序发出，
// 同一边界不会重复发出
type Manager struct {
	tl       *Timeline
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	onEvent  EventFunc

	lastTs     time.Time
	lastIndex  int // 最近进入的档位编号，0 表示尚未进入任何档位
	inBreak    bool
	shiftEnded bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager 创建班次管理器
func NewManager(tl *Timeline, interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = time.Second
	}
	return &Manager{
		tl:       tl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnEvent 注册事件回调，须在 Start 之前调用
func (m *Manager) OnEvent(fn EventFunc) { m.onEvent = fn }

// Timeline 返回底层时间线
func (m *Manager) Timeline() *Timeline { return m.tl }

// Current 返回 ts 时刻的班次状态
func (m *Manager) Current(ts time.Time) Status { return m.tl.At(ts) }

// Prime 以 now 为起点初始化轮询游标
// 启动时已处于档位或休息中时补发对应事件，让下游得知当前阶段
func (m *Manager) Prime(now time.Time) []Event {
	m.lastTs = now
	status := m.tl.At(now)

	var events []Event
	switch status.Phase {
	case PhaseInIndex:
		m.lastIndex = status.IndexNumber
		events = append(events, Event{Type: EventIndexTransition, IndexNumber: status.IndexNumber, Timestamp: now})
	case PhaseOnBreak:
		m.lastIndex = status.IndexNumber
		m.inBreak = true
		events = append(events, Event{Type: EventBreakStarted, IndexNumber: status.IndexNumber, Timestamp: now})
	case PhaseAfterShift:
		m.shiftEnded = true
	}
	m.dispatch(events)
	return events
}

// Poll 处理 (上次轮询, now] 之间跨越的所有边界并发出事件
func (m *Manager) Poll(now time.Time) []Event {
	if !now.After(m.lastTs) {
		return nil
	}

	var events []Event
	for _, seg := range m.tl.segments {
		if !seg.Start.After(m.lastTs) || seg.Start.After(now) {
			continue
		}
		switch seg.Kind {
		case SegmentBreak:
			events = append(events, Event{Type: EventBreakStarted, IndexNumber: seg.IndexNumber, Timestamp: seg.Start})
			m.inBreak = true
		case SegmentWork:
			if m.inBreak {
				events = append(events, Event{Type: EventBreakEnded, IndexNumber: seg.IndexNumber, Timestamp: seg.Start})
				m.inBreak = false
			}
			if seg.IndexNumber != m.lastIndex {
				events = append(events, Event{
					Type: EventIndexTransition, FromIndex: m.lastIndex, IndexNumber: seg.IndexNumber, Timestamp: seg.Start,
				})
				m.lastIndex = seg.IndexNumber
			}
		}
	}
	if !m.shiftEnded && m.tl.shiftEnd.After(m.lastTs) && !m.tl.shiftEnd.After(now) {
		events = append(events, Event{Type: EventShiftEnded, FromIndex: m.lastIndex, Timestamp: m.tl.shiftEnd})
		m.shiftEnded = true
	}

	m.lastTs = now
	m.dispatch(events)
	return events
}

func (m *Manager) dispatch(events []Event) {
	for _, e := range events {
		m.logger.Info("schedule event",
			zap.String("type", string(e.Type)),
			zap.Int("index_number", e.IndexNumber),
			zap.Time("at", e.Timestamp))
		if m.onEvent != nil {
			m.onEvent(e)
		}
	}
}

// Start 初始化游标并启动轮询
func (m *Manager) Start() {
	m.Prime(m.now())
	go m.run()
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Poll(m.now())
		}
	}
}

// Stop 停止轮询并等待退出
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}
