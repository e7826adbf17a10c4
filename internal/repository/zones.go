// Package repository 提供 PostgreSQL 数据访问层。
// 遵循"bottom-up"设计原则，使用强规则实现
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"linewatch/internal/geometry"
	"linewatch/internal/models"
)

// ZoneRepository 区域配置仓库
type ZoneRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewZoneRepository 创建区域配置仓库
func NewZoneRepository(db *sql.DB, logger *zap.Logger) *ZoneRepository {
	return &ZoneRepository{
		db:     db,
		logger: logger,
	}
}

// ListActive 加载全部启用区域，多边形以 JSONB 顶点数组存储
func (r *ZoneRepository) ListActive(ctx context.Context) ([]models.Zone, error) {
	query := `
		SELECT
			zone_id,
			camera_id,
			name,
			zone_type,
			polygon,
			active
		FROM zones
		WHERE active = TRUE
		ORDER BY camera_id, zone_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []models.Zone
	for rows.Next() {
		var z models.Zone
		var polygonJSON []byte
		if err := rows.Scan(&z.ZoneID, &z.CameraID, &z.Name, &z.ZoneType, &polygonJSON, &z.Active); err != nil {
			return nil, fmt.Errorf("failed to scan zone row: %w", err)
		}
		var poly geometry.Polygon
		if err := json.Unmarshal(polygonJSON, &poly); err != nil {
			return nil, fmt.Errorf("failed to decode polygon for zone %s: %w", z.ZoneID, err)
		}
		z.Polygon = poly
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zone rows: %w", err)
	}

	r.logger.Info("zones loaded", zap.Int("count", len(zones)))
	return zones, nil
}
