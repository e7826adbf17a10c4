// Package identity 负责把轨迹解析为工人身份：
// 外部识别服务（人脸、工牌）按优先级串联查询，丢失缓冲支持短暂离场后的重识别。
package identity

import (
	"context"

	"go.uber.org/zap"

	"linewatch/internal/models"
)

// Sample 送往识别服务的轨迹样本
type Sample struct {
	CameraID  string    `json:"camera_id"`
	TrackID   uint64    `json:"track_id"`
	CropB64   string    `json:"crop,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Match 识别命中结果
type Match struct {
	WorkerID   string  `json:"worker_id"`
	Confidence float64 `json:"confidence"`
}

// Oracle 外部身份识别服务
// Identify 返回 nil 表示服务正常但无法识别该样本
type Oracle interface {
	Name() string
	Identify(ctx context.Context, sample Sample) (*Match, error)
}

// Chain 按优先级串联多个识别服务，首个命中即返回
// 单个服务出错时记录日志并继续尝试下一个
type Chain struct {
	oracles []Oracle
	logger  *zap.Logger
}

// NewChain 创建识别服务链
func NewChain(logger *zap.Logger, oracles ...Oracle) *Chain {
	return &Chain{oracles: oracles, logger: logger}
}

// Name 实现 Oracle 接口
func (c *Chain) Name() string {
	return "chain"
}

// Identify 依次查询各识别服务
func (c *Chain) Identify(ctx context.Context, sample Sample) (*Match, error) {
	var lastErr error
	for _, o := range c.oracles {
		match, err := o.Identify(ctx, sample)
		if err != nil {
			c.logger.Warn("identity oracle query failed",
				zap.String("oracle", o.Name()),
				zap.String("camera_id", sample.CameraID),
				zap.Uint64("track_id", sample.TrackID),
				zap.Error(err))
			lastErr = err
			continue
		}
		if match != nil {
			return match, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// WorkerDirectory 工人名册查询，用于拒绝名册之外的识别结果
type WorkerDirectory interface {
	Exists(workerID string) bool
}

// DiagnosticSink 诊断事件回调
type DiagnosticSink func(event models.DiagnosticEvent)
