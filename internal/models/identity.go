package models

import "time"

// WorkerBinding 轨迹与工人身份的绑定
// 不变式：任一时刻每个 worker_id 至多存在一个未过期绑定（跨相机）
type WorkerBinding struct {
	TrackID    uint64    `json:"track_id"`
	CameraID   string    `json:"camera_id"`
	WorkerID   string    `json:"worker_id"`
	Confidence float64   `json:"confidence"`
	BoundAt    time.Time `json:"bound_at"`
}

// DiagnosticKind 诊断事件类型
type DiagnosticKind string

const (
	DiagBindingConflict DiagnosticKind = "binding_conflict" // 工人已绑定到另一条存活轨迹
	DiagUnknownWorker   DiagnosticKind = "unknown_worker"   // 识别结果不在工人名册中
	DiagBatchDropped    DiagnosticKind = "batch_dropped"    // 队列满丢弃检测批次
	DiagBatchMalformed  DiagnosticKind = "batch_malformed"  // 检测批次解析失败
)

// DiagnosticEvent 低严重度诊断事件（发往事件流，不作为错误处理）
type DiagnosticEvent struct {
	Kind      DiagnosticKind `json:"kind"`
	CameraID  string         `json:"camera_id,omitempty"`
	TrackID   uint64         `json:"track_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
