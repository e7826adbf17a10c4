package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"linewatch/internal/common/config"
)

// Config 流水线服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 检测接入配置
	Vision struct {
		TopicDetections string        // 检测结果主题，如 "vision/+/detections"
		QueueDepth      int           // 每路相机的检测批次队列深度（满时丢最旧）
		CameraTimeout   time.Duration // 超过该时长未收到帧视为相机断流
	}

	// 跟踪器配置
	Tracker struct {
		TrackThresh      float64 // 新建轨迹所需的检测置信度
		LowConfThresh    float64 // 二阶段关联的最低置信度下限
		MatchIoU         float64 // 关联接受的最小 IoU
		ConfirmStreak    int     // 连续命中多少帧后确认轨迹
		LostBuffer       int     // 连续丢失多少帧后删除轨迹
		AppearanceWeight float64 // 外观距离在代价中的权重（0 关闭）
	}

	// 区域归属配置
	Zones struct {
		TieBreak string // 重叠区域归属规则: "smallest" | "largest"
	}

	// 身份解析配置
	Identity struct {
		FaceURL       string        // 人脸识别服务地址（空则跳过）
		BadgeURL      string        // 工牌识别服务地址（空则跳过）
		Timeout       time.Duration // 单次识别请求超时
		RetryInterval time.Duration // 识别失败后的重试间隔
		LostTTL       time.Duration // 丢失缓冲区条目存活时间
		SimThreshold  float64       // 重识别的外观相似度门限
	}

	// 会话计时配置
	Session struct {
		IdlePixels float64       // 低于该位移视为静止（像素）
		IdleAfter  time.Duration // 持续静止多久后转为 Idle
	}

	// 班次时间表配置
	Schedule struct {
		WorkStart    string // "08:00"
		WorkEnd      string // "17:00"
		Breaks       string // "12:00=30m,15:00=10m"
		TotalIndices int
		PollInterval time.Duration
		Timezone     string // IANA 时区名，空则使用本地时区
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "linewatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "linewatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Vision.TopicDetections = getEnv("VISION_TOPIC_DETECTIONS", "vision/+/detections")
	cfg.Vision.QueueDepth = getEnvInt("VISION_QUEUE_DEPTH", 4)
	cfg.Vision.CameraTimeout = getEnvDuration("VISION_CAMERA_TIMEOUT", 10*time.Second)

	cfg.Tracker.TrackThresh = getEnvFloat("TRACKER_TRACK_THRESH", 0.5)
	cfg.Tracker.LowConfThresh = getEnvFloat("TRACKER_LOW_CONF_THRESH", 0.1)
	cfg.Tracker.MatchIoU = getEnvFloat("TRACKER_MATCH_IOU", 0.3)
	cfg.Tracker.ConfirmStreak = getEnvInt("TRACKER_CONFIRM_STREAK", 3)
	cfg.Tracker.LostBuffer = getEnvInt("TRACKER_LOST_BUFFER", 30)
	cfg.Tracker.AppearanceWeight = getEnvFloat("TRACKER_APPEARANCE_WEIGHT", 0.05)

	cfg.Zones.TieBreak = getEnv("ZONE_TIE_BREAK", "smallest")

	cfg.Identity.FaceURL = getEnv("IDENTITY_FACE_URL", "")
	cfg.Identity.BadgeURL = getEnv("IDENTITY_BADGE_URL", "")
	cfg.Identity.Timeout = getEnvDuration("IDENTITY_TIMEOUT", 5*time.Second)
	cfg.Identity.RetryInterval = getEnvDuration("IDENTITY_RETRY_INTERVAL", 2*time.Second)
	cfg.Identity.LostTTL = getEnvDuration("IDENTITY_LOST_TTL", 60*time.Second)
	cfg.Identity.SimThreshold = getEnvFloat("IDENTITY_SIM_THRESHOLD", 0.8)

	cfg.Session.IdlePixels = getEnvFloat("SESSION_IDLE_PIXELS", 10)
	cfg.Session.IdleAfter = getEnvDuration("SESSION_IDLE_AFTER", 60*time.Second)

	cfg.Schedule.WorkStart = getEnv("SCHEDULE_WORK_START", "08:00")
	cfg.Schedule.WorkEnd = getEnv("SCHEDULE_WORK_END", "17:00")
	cfg.Schedule.Breaks = getEnv("SCHEDULE_BREAKS", "12:00=30m")
	cfg.Schedule.TotalIndices = getEnvInt("SCHEDULE_TOTAL_INDICES", 11)
	cfg.Schedule.PollInterval = getEnvDuration("SCHEDULE_POLL_INTERVAL", time.Second)
	cfg.Schedule.Timezone = getEnv("SCHEDULE_TIMEZONE", "")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8085")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate 校验取值范围，配置错误在启动时报出
func (c *Config) validate() error {
	if c.Tracker.TrackThresh <= 0 || c.Tracker.TrackThresh > 1 {
		return fmt.Errorf("invalid TRACKER_TRACK_THRESH: %v (must be in (0,1])", c.Tracker.TrackThresh)
	}
	if c.Tracker.MatchIoU <= 0 || c.Tracker.MatchIoU > 1 {
		return fmt.Errorf("invalid TRACKER_MATCH_IOU: %v (must be in (0,1])", c.Tracker.MatchIoU)
	}
	if c.Tracker.ConfirmStreak < 1 {
		return fmt.Errorf("invalid TRACKER_CONFIRM_STREAK: %d (must be >= 1)", c.Tracker.ConfirmStreak)
	}
	if c.Tracker.LostBuffer < 1 {
		return fmt.Errorf("invalid TRACKER_LOST_BUFFER: %d (must be >= 1)", c.Tracker.LostBuffer)
	}
	if c.Vision.QueueDepth < 1 {
		return fmt.Errorf("invalid VISION_QUEUE_DEPTH: %d (must be >= 1)", c.Vision.QueueDepth)
	}
	if c.Zones.TieBreak != "smallest" && c.Zones.TieBreak != "largest" {
		return fmt.Errorf("invalid ZONE_TIE_BREAK: %q (must be smallest or largest)", c.Zones.TieBreak)
	}
	if c.Identity.SimThreshold <= 0 || c.Identity.SimThreshold > 1 {
		return fmt.Errorf("invalid IDENTITY_SIM_THRESHOLD: %v (must be in (0,1])", c.Identity.SimThreshold)
	}
	if c.Session.IdlePixels <= 0 {
		return fmt.Errorf("invalid SESSION_IDLE_PIXELS: %v (must be > 0)", c.Session.IdlePixels)
	}
	if c.Schedule.TotalIndices < 1 {
		return fmt.Errorf("invalid SCHEDULE_TOTAL_INDICES: %d (must be >= 1)", c.Schedule.TotalIndices)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
