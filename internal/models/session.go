package models

import "time"

// SessionState 会话计时状态
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionIdle        SessionState = "idle"
	SessionBreakPaused SessionState = "break_paused"
)

// Session 一名工人在一个区域内的一段连续驻留（计时引擎独占所有权）
// 对外暴露的均为只读快照
type Session struct {
	SessionID     string       `json:"session_id"`
	WorkerID      string       `json:"worker_id"`
	ZoneID        string       `json:"zone_id"`
	CameraID      string       `json:"camera_id"`
	TrackID       uint64       `json:"track_id"`
	IndexNumber   int          `json:"index_number"` // 会话创建时所处的班段编号，0 表示班段外
	EntryTime     time.Time    `json:"entry_time"`
	ExitTime      *time.Time   `json:"exit_time,omitempty"`
	ActiveSeconds float64      `json:"active_seconds"`
	IdleSeconds   float64      `json:"idle_seconds"`
	State         SessionState `json:"state"`
	IdleRunLength float64      `json:"idle_run_length"` // 当前连续静止秒数
	Attributed    bool         `json:"attributed"`      // false 表示未识别的占位工人
}

// IdlePeriod 一段完整的静止区间
type IdlePeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IndexSlice 按班段拆分的计时
type IndexSlice struct {
	IndexNumber   int     `json:"index_number"`
	ActiveSeconds float64 `json:"active_seconds"`
	IdleSeconds   float64 `json:"idle_seconds"`
}

// SessionRecord 会话终结时发出的不可变记录，只发出一次
type SessionRecord struct {
	SessionID      string       `json:"session_id"`
	WorkerID       string       `json:"worker_id"`
	ZoneID         string       `json:"zone_id"`
	CameraID       string       `json:"camera_id"`
	TrackID        uint64       `json:"track_id"`
	IndexNumber    int          `json:"index_number"`
	EntryTime      time.Time    `json:"entry_time"`
	ExitTime       time.Time    `json:"exit_time"`
	ActiveSeconds  float64      `json:"active_seconds"`
	IdleSeconds    float64      `json:"idle_seconds"`
	FinalState     SessionState `json:"final_state"`
	Attributed     bool         `json:"attributed"`
	IdlePeriods    []IdlePeriod `json:"idle_periods,omitempty"`
	IndexBreakdown []IndexSlice `json:"index_breakdown,omitempty"`
}
