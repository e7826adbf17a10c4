package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// identifyResponse 识别服务应答
type identifyResponse struct {
	Matched    bool    `json:"matched"`
	WorkerID   string  `json:"worker_id"`
	Confidence float64 `json:"confidence"`
}

// HTTPOracle 基于 HTTP 的识别服务客户端
// 人脸服务和工牌服务共用同一套 /identify 接口
type HTTPOracle struct {
	name    string
	baseURL string
	client  *resty.Client
	logger  *zap.Logger
}

// NewHTTPOracle 创建识别服务客户端
func NewHTTPOracle(name, baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPOracle {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &HTTPOracle{
		name:    name,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// NewFaceOracle 创建人脸识别服务客户端
func NewFaceOracle(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPOracle {
	return NewHTTPOracle("face", baseURL, timeout, logger)
}

// NewBadgeOracle 创建工牌识别服务客户端
func NewBadgeOracle(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPOracle {
	return NewHTTPOracle("badge", baseURL, timeout, logger)
}

// Name 实现 Oracle 接口
func (o *HTTPOracle) Name() string {
	return o.name
}

// Identify 调用识别服务
func (o *HTTPOracle) Identify(ctx context.Context, sample Sample) (*Match, error) {
	url := o.baseURL + "/identify"

	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sample).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s identify service: %w", o.name, err)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s identify service returned status %d: %s",
			o.name, resp.StatusCode(), resp.String())
	}

	var result identifyResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s identify response: %w", o.name, err)
	}

	if !result.Matched || result.WorkerID == "" {
		return nil, nil
	}

	o.logger.Debug("identity oracle matched",
		zap.String("oracle", o.name),
		zap.String("camera_id", sample.CameraID),
		zap.Uint64("track_id", sample.TrackID),
		zap.String("worker_id", result.WorkerID),
		zap.Float64("confidence", result.Confidence))

	return &Match{WorkerID: result.WorkerID, Confidence: result.Confidence}, nil
}
