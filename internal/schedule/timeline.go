// Package schedule 把班次配置展开为当日时间线：
// 净工时均分为固定数量的生产档位，休息时段打断档位且不计入档位时长，
// 被打断的档位在休息结束后以原编号继续。
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Phase 班次阶段
type Phase string

const (
	PhaseBeforeShift Phase = "before_shift"
	PhaseInIndex     Phase = "in_index"
	PhaseOnBreak     Phase = "on_break"
	PhaseAfterShift  Phase = "after_shift"
)

// SegmentKind 时间线片段类型
type SegmentKind string

const (
	SegmentWork  SegmentKind = "work"
	SegmentBreak SegmentKind = "break"
)

// Segment 时间线片段，[Start, End) 左闭右开
// 档位编号从 1 起；休息片段的 IndexNumber 指向休息结束后继续（或开始）的档位
type Segment struct {
	Kind        SegmentKind `json:"kind"`
	IndexNumber int         `json:"index_number"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
}

// Status 某一时刻的班次状态
type Status struct {
	Phase       Phase     `json:"phase"`
	IndexNumber int       `json:"index_number"` // 档位编号 1..N，不在档位内时为 0
	Since       time.Time `json:"since,omitempty"`
	Until       time.Time `json:"until,omitempty"`
}

// Config 班次配置
type Config struct {
	WorkStart    string   // "HH:MM"
	WorkEnd      string   // "HH:MM"
	Breaks       []string // "HH:MM-HH:MM"
	TotalIndices int
}

type window struct {
	start time.Time
	end   time.Time
}

// Timeline 单日班次时间线
type Timeline struct {
	date       time.Time
	shiftStart time.Time
	shiftEnd   time.Time
	segments   []Segment
	indexDurs  []time.Duration
}

// BuildTimeline 按配置构建 date 当日的时间线
// 净工时按整秒均分，除不尽的余秒加到第一个被休息打断的档位，
// 没有档位被打断时加到最后一个档位
func BuildTimeline(date time.Time, cfg Config, loc *time.Location) (*Timeline, error) {
	if loc == nil {
		loc = time.Local
	}
	if cfg.TotalIndices < 1 {
		return nil, fmt.Errorf("total indices must be at least 1, got %d", cfg.TotalIndices)
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	shiftStart, err := clockOn(day, cfg.WorkStart)
	if err != nil {
		return nil, fmt.Errorf("invalid work start: %w", err)
	}
	shiftEnd, err := clockOn(day, cfg.WorkEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid work end: %w", err)
	}
	if !shiftEnd.After(shiftStart) {
		return nil, fmt.Errorf("work end %s must be after work start %s", cfg.WorkEnd, cfg.WorkStart)
	}

	breaks, err := parseBreaks(day, cfg.Breaks, shiftStart, shiftEnd)
	if err != nil {
		return nil, err
	}

	var breakTotal time.Duration
	for _, b := range breaks {
		breakTotal += b.end.Sub(b.start)
	}
	net := shiftEnd.Sub(shiftStart) - breakTotal
	if net < time.Duration(cfg.TotalIndices)*time.Second {
		return nil, fmt.Errorf("net shift duration %s too short for %d indices", net, cfg.TotalIndices)
	}

	netSec := int64(net / time.Second)
	baseSec := netSec / int64(cfg.TotalIndices)
	remSec := netSec % int64(cfg.TotalIndices)

	durs := make([]time.Duration, cfg.TotalIndices)
	for i := range durs {
		durs[i] = time.Duration(baseSec) * time.Second
	}
	if remSec > 0 {
		target := firstInterruptedIndex(shiftStart, durs, breaks)
		if target < 0 {
			target = cfg.TotalIndices - 1
		}
		durs[target] += time.Duration(remSec) * time.Second
	}

	tl := &Timeline{
		date:       day,
		shiftStart: shiftStart,
		shiftEnd:   shiftEnd,
		segments:   layoutSegments(shiftStart, durs, breaks),
		indexDurs:  durs,
	}
	return tl, nil
}

// clockOn 把 "HH:MM" 解析为 day 当日的时刻
func clockOn(day time.Time, clock string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("expected HH:MM, got %q", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("expected HH:MM, got %q", clock)
	}
	min, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("expected HH:MM, got %q", clock)
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return time.Time{}, fmt.Errorf("clock %q out of range", clock)
	}
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute), nil
}

func parseBreaks(day time.Time, specs []string, shiftStart, shiftEnd time.Time) ([]window, error) {
	breaks := make([]window, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, "-")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid break %q, expected HH:MM-HH:MM", spec)
		}
		start, err := clockOn(day, parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid break %q: %w", spec, err)
		}
		end, err := clockOn(day, parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid break %q: %w", spec, err)
		}
		if !end.After(start) {
			return nil, fmt.Errorf("break %q ends before it starts", spec)
		}
		if start.Before(shiftStart) || end.After(shiftEnd) {
			return nil, fmt.Errorf("break %q falls outside the shift", spec)
		}
		breaks = append(breaks, window{start: start, end: end})
	}
	sort.Slice(breaks, func(i, j int) bool { return breaks[i].start.Before(breaks[j].start) })
	for i := 1; i < len(breaks); i++ {
		if breaks[i].start.Before(breaks[i-1].end) {
			return nil, fmt.Errorf("breaks overlap at %s", breaks[i].start.Format("15:04"))
		}
	}
	return breaks, nil
}

// firstInterruptedIndex 用基准档长预演一遍排布，
// 返回第一个被休息打断的档位在 durs 中的下标，没有则返回 -1
func firstInterruptedIndex(shiftStart time.Time, durs []time.Duration, breaks []window) int {
	cur := shiftStart
	bi := 0
	for i, d := range durs {
		remaining := d
		for remaining > 0 {
			if bi < len(breaks) && breaks[bi].start.Equal(cur) {
				cur = breaks[bi].end
				bi++
				continue
			}
			segEnd := cur.Add(remaining)
			if bi < len(breaks) && breaks[bi].start.Before(segEnd) {
				return i
			}
			cur = segEnd
			remaining = 0
		}
	}
	return -1
}

// layoutSegments 把档位时长与休息窗口交错铺满班次区间，档位编号从 1 起
func layoutSegments(shiftStart time.Time, durs []time.Duration, breaks []window) []Segment {
	var segments []Segment
	cur := shiftStart
	bi := 0
	for i, d := range durs {
		number := i + 1
		remaining := d
		for remaining > 0 {
			if bi < len(breaks) && breaks[bi].start.Equal(cur) {
				segments = append(segments, Segment{
					Kind: SegmentBreak, IndexNumber: number, Start: breaks[bi].start, End: breaks[bi].end,
				})
				cur = breaks[bi].end
				bi++
				continue
			}
			segEnd := cur.Add(remaining)
			if bi < len(breaks) && breaks[bi].start.Before(segEnd) {
				segments = append(segments, Segment{
					Kind: SegmentWork, IndexNumber: number, Start: cur, End: breaks[bi].start,
				})
				remaining -= breaks[bi].start.Sub(cur)
				cur = breaks[bi].start
				continue
			}
			segments = append(segments, Segment{
				Kind: SegmentWork, IndexNumber: number, Start: cur, End: segEnd,
			})
			cur = segEnd
			remaining = 0
		}
	}
	// 贴着班次末尾的休息窗口
	for bi < len(breaks) {
		segments = append(segments, Segment{
			Kind: SegmentBreak, IndexNumber: len(durs), Start: breaks[bi].start, End: breaks[bi].end,
		})
		bi++
	}
	return segments
}

// At 返回 ts 时刻的班次状态
func (tl *Timeline) At(ts time.Time) Status {
	if ts.Before(tl.shiftStart) {
		return Status{Phase: PhaseBeforeShift, Until: tl.shiftStart}
	}
	if !ts.Before(tl.shiftEnd) {
		return Status{Phase: PhaseAfterShift, Since: tl.shiftEnd}
	}
	for _, seg := range tl.segments {
		if !ts.Before(seg.Start) && ts.Before(seg.End) {
			phase := PhaseInIndex
			if seg.Kind == SegmentBreak {
				phase = PhaseOnBreak
			}
			return Status{Phase: phase, IndexNumber: seg.IndexNumber, Since: seg.Start, Until: seg.End}
		}
	}
	// 片段铺满 [shiftStart, shiftEnd)，不应到达这里
	return Status{Phase: PhaseAfterShift, Since: tl.shiftEnd}
}

// Date 返回时间线所属日期（当日零点）
func (tl *Timeline) Date() time.Time { return tl.date }

// ShiftStart 返回班次开始时刻
func (tl *Timeline) ShiftStart() time.Time { return tl.shiftStart }

// ShiftEnd 返回班次结束时刻
func (tl *Timeline) ShiftEnd() time.Time { return tl.shiftEnd }

// TotalIndices 返回档位数量
func (tl *Timeline) TotalIndices() int { return len(tl.indexDurs) }

// IndexDuration 返回档位 number（1..N）的净时长
func (tl *Timeline) IndexDuration(number int) time.Duration {
	if number < 1 || number > len(tl.indexDurs) {
		return 0
	}
	return tl.indexDurs[number-1]
}

// Plan 返回完整时间线片段，按时间排序
func (tl *Timeline) Plan() []Segment {
	out := make([]Segment, len(tl.segments))
	copy(out, tl.segments)
	return out
}
