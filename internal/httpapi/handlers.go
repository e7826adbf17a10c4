package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"linewatch/internal/geometry"
	"linewatch/internal/models"
	"linewatch/internal/report"
	"linewatch/internal/schedule"
)

const reportQueryTimeout = 30 * time.Second

// SessionSource 开放会话查询
type SessionSource interface {
	GetActiveSessions() []models.Session
}

// TrackSource 相机轨迹表查询
type TrackSource interface {
	GetTrackTable(cameraID string) []models.Track
	Cameras() []string
}

// ScheduleSource 班次状态查询
type ScheduleSource interface {
	Current(ts time.Time) schedule.Status
	Timeline() *schedule.Timeline
}

// RecordSource 会话记录查询（日报用）
type RecordSource interface {
	ListByDateRange(ctx context.Context, from, to time.Time) ([]models.SessionRecord, error)
}

// WorkerSource 工人名册查询（日报用）
type WorkerSource interface {
	ListActive(ctx context.Context) ([]models.Worker, error)
}

// Stats 健康检查附带的组件计数
type Stats struct {
	Cameras          int    `json:"cameras"`
	ActiveSessions   int    `json:"active_sessions"`
	LiveBindings     int    `json:"live_bindings"`
	LostBuffered     int    `json:"lost_buffered"`
	ZonesLoaded      int    `json:"zones_loaded"`
	BatchesDropped   uint64 `json:"batches_dropped"`
	BatchesMalformed uint64 `json:"batches_malformed"`
	EventsDropped    uint64 `json:"events_dropped"`
	ScheduleEnabled  bool   `json:"schedule_enabled"`
}

// Handler 诊断接口处理器，全部只读
type Handler struct {
	sessions SessionSource
	tracks   TrackSource
	sched    ScheduleSource // 班次配置非法时为 nil
	records  RecordSource
	workers  WorkerSource
	stats    func() Stats
	loc      *time.Location
	logger   *zap.Logger
	started  time.Time
}

// NewHandler 创建处理器
// sched 可以为 nil（班次配置非法时禁用班次接口）
func NewHandler(
	sessions SessionSource,
	tracks TrackSource,
	sched ScheduleSource,
	records RecordSource,
	workers WorkerSource,
	stats func() Stats,
	loc *time.Location,
	logger *zap.Logger,
) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		sessions: sessions,
		tracks:   tracks,
		sched:    sched,
		records:  records,
		workers:  workers,
		stats:    stats,
		loc:      loc,
		logger:   logger,
		started:  time.Now(),
	}
}

// healthResponse /health 应答
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Stats         Stats   `json:"stats"`
}

// Health 存活检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var stats Stats
	if h.stats != nil {
		stats = h.stats()
	}
	writeJSON(w, http.StatusOK, Ok(healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		Stats:         stats,
	}))
}

// SessionDTO 开放会话应答体
type SessionDTO struct {
	SessionID     string              `json:"session_id"`
	WorkerID      string              `json:"worker_id"`
	ZoneID        string              `json:"zone_id"`
	CameraID      string              `json:"camera_id"`
	TrackID       uint64              `json:"track_id"`
	IndexNumber   int                 `json:"index_number"`
	EntryTime     time.Time           `json:"entry_time"`
	ActiveSeconds float64             `json:"active_seconds"`
	IdleSeconds   float64             `json:"idle_seconds"`
	State         models.SessionState `json:"state"`
	IdleRunLength float64             `json:"idle_run_length"`
	Attributed    bool                `json:"attributed"`
	Utilization   float64             `json:"utilization"` // active / (active + idle)
}

// ActiveSessions 开放会话列表
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.GetActiveSessions()

	dtos := make([]SessionDTO, 0, len(sessions))
	if err := copier.Copy(&dtos, &sessions); err != nil {
		h.logger.Error("failed to map sessions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to map sessions"))
		return
	}
	for i := range dtos {
		if total := dtos[i].ActiveSeconds + dtos[i].IdleSeconds; total > 0 {
			dtos[i].Utilization = dtos[i].ActiveSeconds / total
		}
	}
	writeJSON(w, http.StatusOK, Ok(dtos))
}

// TrackDTO 轨迹表应答体
type TrackDTO struct {
	TrackID       uint64            `json:"track_id"`
	CameraID      string            `json:"camera_id"`
	State         models.TrackState `json:"state"`
	LastBbox      geometry.Rect     `json:"last_bbox"`
	PredictedBbox geometry.Rect     `json:"predicted_bbox"`
	HitStreak     uint32            `json:"hit_streak"`
	MissStreak    uint32            `json:"miss_streak"`
	LastSeenFrame uint64            `json:"last_seen_frame"`
	Confidence    float64           `json:"confidence"`
	Center        geometry.Point    `json:"center"`
}

// CameraTracks 某相机的轨迹表
func (h *Handler) CameraTracks(w http.ResponseWriter, r *http.Request, cameraID string) {
	tracks := h.tracks.GetTrackTable(cameraID)

	dtos := make([]TrackDTO, 0, len(tracks))
	if err := copier.Copy(&dtos, &tracks); err != nil {
		h.logger.Error("failed to map tracks", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to map tracks"))
		return
	}
	for i := range dtos {
		dtos[i].Center = dtos[i].LastBbox.Center()
	}
	writeJSON(w, http.StatusOK, Ok(dtos))
}

// scheduleResponse /api/v1/schedule/current 应答
type scheduleResponse struct {
	Enabled bool               `json:"enabled"`
	Status  *schedule.Status   `json:"status,omitempty"`
	Plan    []schedule.Segment `json:"plan,omitempty"`
}

// ScheduleCurrent 班次状态与当日时间线
func (h *Handler) ScheduleCurrent(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeJSON(w, http.StatusOK, Ok(scheduleResponse{Enabled: false}))
		return
	}
	status := h.sched.Current(time.Now())
	resp := scheduleResponse{Enabled: true, Status: &status}
	if tl := h.sched.Timeline(); tl != nil {
		resp.Plan = tl.Plan()
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// DailyReport 下载某日的 XLSX 报表，date 参数格式 YYYY-MM-DD
func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		dateStr = time.Now().In(h.loc).Format("2006-01-02")
	}
	date, err := time.ParseInLocation("2006-01-02", dateStr, h.loc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", dateStr)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reportQueryTimeout)
	defer cancel()

	records, err := h.records.ListByDateRange(ctx, date, date.AddDate(0, 0, 1))
	if err != nil {
		h.logger.Error("failed to load session records for report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to load session records"))
		return
	}
	workers, err := h.workers.ListActive(ctx)
	if err != nil {
		h.logger.Error("failed to load workers for report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to load workers"))
		return
	}

	f, err := report.BuildDaily(date, records, workers)
	if err != nil {
		h.logger.Error("failed to build daily report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to build report"))
		return
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		h.logger.Error("failed to encode daily report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to encode report"))
		return
	}

	filename := fmt.Sprintf("linewatch-report-%s.xlsx", dateStr)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
