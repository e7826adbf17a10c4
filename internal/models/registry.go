package models

import "linewatch/internal/geometry"

// ZoneType 区域类型
type ZoneType string

const (
	ZoneTypeWork       ZoneType = "work"
	ZoneTypeBreak      ZoneType = "break"
	ZoneTypeRestricted ZoneType = "restricted"
	ZoneTypeEntry      ZoneType = "entry"
	ZoneTypeExit       ZoneType = "exit"
)

// Zone 区域配置（来自数据库的配置快照）
type Zone struct {
	ZoneID   string           `json:"zone_id"`
	CameraID string           `json:"camera_id"`
	Name     string           `json:"name"`
	ZoneType ZoneType         `json:"zone_type"`
	Polygon  geometry.Polygon `json:"polygon"`
	Active   bool             `json:"active"`
}

// Worker 工人注册信息
type Worker struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name"`
	BadgeID  string `json:"badge_id"`
	Shift    string `json:"shift"` // morning / afternoon / night / flexible
	Active   bool   `json:"active"`
}

// UnassignedPrefix 未识别轨迹的占位工人ID前缀
const UnassignedPrefix = "unassigned-"
