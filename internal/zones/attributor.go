// Package zones 将轨迹位置归属到相机配置的区域。
// 归属计算是纯函数：给定同一份配置快照与同一位置，结果恒定。
package zones

import (
	"fmt"
	"sort"
	"sync"

	"linewatch/internal/geometry"
	"linewatch/internal/models"

	"go.uber.org/zap"
)

// TieBreak 多区域同时包含一个点时的归属规则
type TieBreak string

const (
	TieBreakSmallest TieBreak = "smallest" // 面积最小（最贴身）的区域优先
	TieBreakLargest  TieBreak = "largest"
)

type zoneEntry struct {
	zone models.Zone
	area float64
}

// Attributor 区域归属器，持有按相机分组的配置快照
type Attributor struct {
	mu       sync.RWMutex
	byCamera map[string][]zoneEntry
	tieBreak TieBreak
	logger   *zap.Logger
}

// New 创建归属器，配置快照初始为空（所有点都归属为未分配）
func New(tieBreak TieBreak, logger *zap.Logger) *Attributor {
	return &Attributor{
		byCamera: make(map[string][]zoneEntry),
		tieBreak: tieBreak,
		logger:   logger,
	}
}

// Load 加载区域配置快照。任何一个多边形非法则整份快照被拒绝，
// 旧快照保持生效（启动时即为空快照），跟踪不受影响。
func (a *Attributor) Load(zones []models.Zone) error {
	seen := make(map[string]bool, len(zones))
	byCamera := make(map[string][]zoneEntry)

	for _, z := range zones {
		if !z.Active {
			continue
		}
		if seen[z.ZoneID] {
			return fmt.Errorf("duplicate zone_id %q", z.ZoneID)
		}
		seen[z.ZoneID] = true
		if err := z.Polygon.Validate(); err != nil {
			return fmt.Errorf("invalid polygon for zone %q: %w", z.ZoneID, err)
		}
		byCamera[z.CameraID] = append(byCamera[z.CameraID], zoneEntry{
			zone: z,
			area: z.Polygon.Area(),
		})
	}

	// 按归属规则预排序，Assign 时取第一个包含点的区域即可。
	// 面积相同再按 zone_id 字典序，保证结果确定。
	for _, entries := range byCamera {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].area != entries[j].area {
				if a.tieBreak == TieBreakLargest {
					return entries[i].area > entries[j].area
				}
				return entries[i].area < entries[j].area
			}
			return entries[i].zone.ZoneID < entries[j].zone.ZoneID
		})
	}

	a.mu.Lock()
	a.byCamera = byCamera
	a.mu.Unlock()

	total := 0
	for _, entries := range byCamera {
		total += len(entries)
	}
	a.logger.Info("zone configuration loaded",
		zap.Int("zone_count", total),
		zap.Int("camera_count", len(byCamera)),
		zap.String("tie_break", string(a.tieBreak)))
	return nil
}

// Assign 返回包含该点的区域ID；多个区域包含时按归属规则取一个，
// 均不包含时返回 ("", false)。多边形边界上的点视为包含。
func (a *Attributor) Assign(p geometry.Point, cameraID string) (string, bool) {
	a.mu.RLock()
	entries := a.byCamera[cameraID]
	a.mu.RUnlock()

	for _, e := range entries {
		if e.zone.Polygon.Contains(p) {
			return e.zone.ZoneID, true
		}
	}
	return "", false
}

// ZoneCount 当前快照中的区域总数（健康检查用）
func (a *Attributor) ZoneCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, entries := range a.byCamera {
		total += len(entries)
	}
	return total
}

// CameraZones 某相机的区域配置（诊断接口用）
func (a *Attributor) CameraZones(cameraID string) []models.Zone {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entries := a.byCamera[cameraID]
	out := make([]models.Zone, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.zone)
	}
	return out
}
