package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"linewatch/internal/models"
)

// SessionRepository 工作会话记录仓库
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionRepository 创建工作会话记录仓库
func NewSessionRepository(db *sql.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// InsertRecord 写入一条终结会话记录
// 空闲区间与班段拆分以 JSONB 存储，记录不可变，只插入不更新
func (r *SessionRepository) InsertRecord(ctx context.Context, rec models.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if rec.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}

	idlePeriods, err := marshalJSONB(rec.IdlePeriods)
	if err != nil {
		return fmt.Errorf("failed to encode idle periods: %w", err)
	}
	breakdown, err := marshalJSONB(rec.IndexBreakdown)
	if err != nil {
		return fmt.Errorf("failed to encode index breakdown: %w", err)
	}

	query := `
		INSERT INTO work_sessions (
			session_id,
			worker_id,
			zone_id,
			camera_id,
			track_id,
			index_number,
			entry_time,
			exit_time,
			active_seconds,
			idle_seconds,
			final_state,
			attributed,
			idle_periods,
			index_breakdown
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.WorkerID,
		rec.ZoneID,
		rec.CameraID,
		int64(rec.TrackID),
		rec.IndexNumber,
		rec.EntryTime,
		rec.ExitTime,
		rec.ActiveSeconds,
		rec.IdleSeconds,
		string(rec.FinalState),
		rec.Attributed,
		idlePeriods,
		breakdown,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work session: %w", err)
	}

	return nil
}

// ListByDateRange 查询 entry_time 落在 [from, to) 内的会话记录
func (r *SessionRepository) ListByDateRange(ctx context.Context, from, to time.Time) ([]models.SessionRecord, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid date range: from=%s to=%s", from, to)
	}

	query := `
		SELECT
			session_id,
			worker_id,
			zone_id,
			camera_id,
			track_id,
			index_number,
			entry_time,
			exit_time,
			active_seconds,
			idle_seconds,
			final_state,
			attributed,
			idle_periods,
			index_breakdown
		FROM work_sessions
		WHERE entry_time >= $1 AND entry_time < $2
		ORDER BY entry_time, session_id
	`

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query work sessions: %w", err)
	}
	defer rows.Close()

	var records []models.SessionRecord
	for rows.Next() {
		var rec models.SessionRecord
		var trackID int64
		var finalState string
		var idlePeriods, breakdown []byte

		err := rows.Scan(
			&rec.SessionID,
			&rec.WorkerID,
			&rec.ZoneID,
			&rec.CameraID,
			&trackID,
			&rec.IndexNumber,
			&rec.EntryTime,
			&rec.ExitTime,
			&rec.ActiveSeconds,
			&rec.IdleSeconds,
			&finalState,
			&rec.Attributed,
			&idlePeriods,
			&breakdown,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work session row: %w", err)
		}

		rec.TrackID = uint64(trackID)
		rec.FinalState = models.SessionState(finalState)
		if len(idlePeriods) > 0 {
			if err := json.Unmarshal(idlePeriods, &rec.IdlePeriods); err != nil {
				return nil, fmt.Errorf("failed to decode idle periods for session %s: %w", rec.SessionID, err)
			}
		}
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &rec.IndexBreakdown); err != nil {
				return nil, fmt.Errorf("failed to decode index breakdown for session %s: %w", rec.SessionID, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work session rows: %w", err)
	}

	return records, nil
}

// marshalJSONB 序列化 JSONB 字段，nil 切片写成空数组而不是 null
func marshalJSONB(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []models.IdlePeriod:
		if t == nil {
			return []byte("[]"), nil
		}
	case []models.IndexSlice:
		if t == nil {
			return []byte("[]"), nil
		}
	}
	return json.Marshal(v)
}
