// Package report 用持久化的会话记录生成单日 XLSX 报表：
// 汇总页（工人 × 区域）、班段页（工人 × 班段）与占用页（未识别会话）。
// 未识别会话不计入工人维度汇总，但保留区域占用信息。
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"linewatch/internal/models"
)

const (
	sheetSummary   = "Summary"
	sheetIndices   = "Indices"
	sheetOccupancy = "Occupancy"
)

var summaryHeader = []string{
	"Worker ID",
	"Worker Name",
	"Zone",
	"Sessions",
	"Active Seconds",
	"Idle Seconds",
	"Utilization",
}

var indicesHeader = []string{
	"Worker ID",
	"Worker Name",
	"Index",
	"Active Seconds",
	"Idle Seconds",
}

var occupancyHeader = []string{
	"Camera",
	"Zone",
	"Track ID",
	"Entry Time",
	"Exit Time",
	"Active Seconds",
	"Idle Seconds",
}

// summaryRow 工人 × 区域汇总
type summaryRow struct {
	workerID string
	zoneID   string
	sessions int
	active   float64
	idle     float64
}

// indexRow 工人 × 班段汇总
type indexRow struct {
	workerID string
	index    int
	active   float64
	idle     float64
}

// BuildDaily 构建某日的报表工作簿，调用方负责 Close
func BuildDaily(date time.Time, records []models.SessionRecord, workers []models.Worker) (*excelize.File, error) {
	names := make(map[string]string, len(workers))
	for _, w := range workers {
		names[w.WorkerID] = w.Name
	}

	f := excelize.NewFile()

	headerStyle, err := newHeaderStyle(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummarySheet(f, headerStyle, records, names); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeIndicesSheet(f, headerStyle, records, names); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeOccupancySheet(f, headerStyle, records); err != nil {
		f.Close()
		return nil, err
	}

	// 删除默认的 Sheet1，把汇总页设为活动页
	f.DeleteSheet("Sheet1")
	index, err := f.GetSheetIndex(sheetSummary)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to locate summary sheet: %w", err)
	}
	f.SetActiveSheet(index)

	return f, nil
}

// newHeaderStyle 表头样式：加粗、浅蓝底、细边框、居中
func newHeaderStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
}

// newSheet 新建工作表并写入表头
func newSheet(f *excelize.File, name string, headers []string, headerStyle int) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to build header cell: %w", err)
		}
		if err := f.SetCellValue(name, cell, header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		if err := f.SetCellStyle(name, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to style header: %w", err)
		}
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	if err := f.SetColWidth(name, "A", last, 18); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	return nil
}

// setRow 写入一行数据
func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("failed to build cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to write cell %s: %w", cell, err)
		}
	}
	return nil
}

func writeSummarySheet(f *excelize.File, headerStyle int, records []models.SessionRecord, names map[string]string) error {
	if err := newSheet(f, sheetSummary, summaryHeader, headerStyle); err != nil {
		return err
	}

	agg := make(map[string]*summaryRow)
	for _, rec := range records {
		if !rec.Attributed {
			continue
		}
		key := rec.WorkerID + "\x00" + rec.ZoneID
		row, ok := agg[key]
		if !ok {
			row = &summaryRow{workerID: rec.WorkerID, zoneID: rec.ZoneID}
			agg[key] = row
		}
		row.sessions++
		row.active += rec.ActiveSeconds
		row.idle += rec.IdleSeconds
	}

	rows := make([]*summaryRow, 0, len(agg))
	for _, row := range agg {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].workerID != rows[j].workerID {
			return rows[i].workerID < rows[j].workerID
		}
		return rows[i].zoneID < rows[j].zoneID
	})

	for i, row := range rows {
		utilization := 0.0
		if total := row.active + row.idle; total > 0 {
			utilization = row.active / total
		}
		err := setRow(f, sheetSummary, i+2, []interface{}{
			row.workerID,
			names[row.workerID],
			row.zoneID,
			row.sessions,
			row.active,
			row.idle,
			utilization,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeIndicesSheet(f *excelize.File, headerStyle int, records []models.SessionRecord, names map[string]string) error {
	if err := newSheet(f, sheetIndices, indicesHeader, headerStyle); err != nil {
		return err
	}

	agg := make(map[string]*indexRow)
	for _, rec := range records {
		if !rec.Attributed {
			continue
		}
		for _, sl := range rec.IndexBreakdown {
			key := fmt.Sprintf("%s\x00%04d", rec.WorkerID, sl.IndexNumber)
			row, ok := agg[key]
			if !ok {
				row = &indexRow{workerID: rec.WorkerID, index: sl.IndexNumber}
				agg[key] = row
			}
			row.active += sl.ActiveSeconds
			row.idle += sl.IdleSeconds
		}
	}

	rows := make([]*indexRow, 0, len(agg))
	for _, row := range agg {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].workerID != rows[j].workerID {
			return rows[i].workerID < rows[j].workerID
		}
		return rows[i].index < rows[j].index
	})

	for i, row := range rows {
		err := setRow(f, sheetIndices, i+2, []interface{}{
			row.workerID,
			names[row.workerID],
			row.index,
			row.active,
			row.idle,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeOccupancySheet 未识别会话逐条列出，保留区域占用证据
func writeOccupancySheet(f *excelize.File, headerStyle int, records []models.SessionRecord) error {
	if err := newSheet(f, sheetOccupancy, occupancyHeader, headerStyle); err != nil {
		return err
	}

	row := 2
	for _, rec := range records {
		if rec.Attributed {
			continue
		}
		err := setRow(f, sheetOccupancy, row, []interface{}{
			rec.CameraID,
			rec.ZoneID,
			rec.TrackID,
			rec.EntryTime.Format(time.RFC3339),
			rec.ExitTime.Format(time.RFC3339),
			rec.ActiveSeconds,
			rec.IdleSeconds,
		})
		if err != nil {
			return err
		}
		row++
	}
	return nil
}
