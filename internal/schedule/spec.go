package schedule

import (
	"fmt"
	"strings"
	"time"
)

// ParseBreakSpec 把 "HH:MM=时长" 逗号分隔的休息配置解析为 "HH:MM-HH:MM" 窗口，
// 如 "12:00=30m,15:00=10m" -> ["12:00-12:30", "15:00-15:10"]。
// 空串表示没有休息。时长取整到分钟，不足一分钟的休息视为配置错误。
func ParseBreakSpec(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var windows []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, "=", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid break %q, expected HH:MM=duration", part)
		}

		day := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		start, err := clockOn(day, fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid break %q: %w", part, err)
		}
		dur, err := time.ParseDuration(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid break %q: %w", part, err)
		}
		if dur < time.Minute {
			return nil, fmt.Errorf("break %q shorter than one minute", part)
		}

		end := start.Add(dur.Truncate(time.Minute))
		if !end.Equal(start.Add(dur)) {
			return nil, fmt.Errorf("break %q duration must be whole minutes", part)
		}
		if end.Day() != start.Day() {
			return nil, fmt.Errorf("break %q crosses midnight", part)
		}
		windows = append(windows, fmt.Sprintf("%s-%s", start.Format("15:04"), end.Format("15:04")))
	}
	return windows, nil
}
