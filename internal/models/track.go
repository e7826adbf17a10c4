package models

import (
	"time"

	"linewatch/internal/geometry"
)

// TrackState 轨迹生命周期状态
type TrackState string

const (
	TrackTentative TrackState = "tentative" // 新建，未达到确认帧数
	TrackConfirmed TrackState = "confirmed" // 已确认
	TrackLost      TrackState = "lost"      // 当前帧未匹配
	TrackRemoved   TrackState = "removed"   // 连续丢失超限，已删除
)

// TrackEventType 轨迹事件类型
type TrackEventType string

const (
	TrackEventCreated   TrackEventType = "created"
	TrackEventConfirmed TrackEventType = "confirmed"
	TrackEventUpdated   TrackEventType = "updated"
	TrackEventLost      TrackEventType = "lost"
	TrackEventRemoved   TrackEventType = "removed"
)

// Track 轨迹快照（诊断接口与实时缓存使用）
type Track struct {
	TrackID       uint64        `json:"track_id"`
	CameraID      string        `json:"camera_id"`
	State         TrackState    `json:"state"`
	LastBbox      geometry.Rect `json:"last_bbox"`
	PredictedBbox geometry.Rect `json:"predicted_bbox"`
	HitStreak     uint32        `json:"hit_streak"`
	MissStreak    uint32        `json:"miss_streak"`
	LastSeenFrame uint64        `json:"last_seen_frame"`
	Confidence    float64       `json:"confidence"`
}

// TrackEvent 轨迹生命周期事件
// Embedding/CropB64 仅在进程内传递（身份解析用），不随事件序列化
type TrackEvent struct {
	Type      TrackEventType `json:"type"`
	CameraID  string         `json:"camera_id"`
	TrackID   uint64         `json:"track_id"`
	State     TrackState     `json:"state"`
	Bbox      geometry.Rect  `json:"bbox"`
	FrameID   uint64         `json:"frame_id"`
	Timestamp time.Time      `json:"timestamp"`
	Embedding []float32      `json:"-"`
	CropB64   string         `json:"-"`
}

// ZoneAssignment 轨迹的区域归属（每帧重算，只作为事件发出）
type ZoneAssignment struct {
	TrackID   uint64    `json:"track_id"`
	CameraID  string    `json:"camera_id"`
	ZoneID    string    `json:"zone_id,omitempty"` // 空串表示未归属任何区域
	Timestamp time.Time `json:"timestamp"`
}
