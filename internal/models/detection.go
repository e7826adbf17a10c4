package models

import (
	"time"

	"linewatch/internal/geometry"
)

// WireDetection 检测服务上报的单个检测框（线上格式）
type WireDetection struct {
	Bbox       [4]float64 `json:"bbox"` // [x1, y1, x2, y2]
	Confidence float64    `json:"confidence"`
	Embedding  []float32  `json:"embedding,omitempty"` // 外观特征向量（可选）
	CropB64    string     `json:"crop_b64,omitempty"`  // 人员截图，base64 JPEG（可选）
}

// DetectionBatch 检测服务按帧上报的批次（MQTT JSON 负载）
type DetectionBatch struct {
	FrameID     uint64          `json:"frame_id"`
	CameraID    string          `json:"camera_id"`
	TimestampMs int64           `json:"timestamp_ms"`
	Detections  []WireDetection `json:"detections"`
}

// Timestamp 批次时间戳
func (b *DetectionBatch) Timestamp() time.Time {
	return time.UnixMilli(b.TimestampMs)
}

// Detection 单个检测结果（领域格式，随用随弃）
type Detection struct {
	Bbox       geometry.Rect
	Confidence float64
	FrameID    uint64
	CameraID   string
	Timestamp  time.Time
	Embedding  []float32
	CropB64    string
}

// ToDetections 将批次转换为领域格式，过滤非法检测框
func (b *DetectionBatch) ToDetections() []Detection {
	ts := b.Timestamp()
	dets := make([]Detection, 0, len(b.Detections))
	for _, d := range b.Detections {
		rect := geometry.Rect{X1: d.Bbox[0], Y1: d.Bbox[1], X2: d.Bbox[2], Y2: d.Bbox[3]}
		if !rect.Valid() {
			continue
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			continue
		}
		dets = append(dets, Detection{
			Bbox:       rect,
			Confidence: d.Confidence,
			FrameID:    b.FrameID,
			CameraID:   b.CameraID,
			Timestamp:  ts,
			Embedding:  d.Embedding,
			CropB64:    d.CropB64,
		})
	}
	return dets
}
