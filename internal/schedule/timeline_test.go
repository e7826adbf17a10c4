package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func standardConfig() Config {
	return Config{
		WorkStart:    "09:00",
		WorkEnd:      "18:00",
		Breaks:       []string{"12:00-13:00"},
		TotalIndices: 11,
	}
}

func at(hour, min, sec int) time.Time {
	return testDay.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec)*time.Second)
}

// Standard shift: 9h minus 1h break = 28800s net. 28800/11 = 2618 rem 2,
// and the remainder lands on index 5, the one the lunch break interrupts.
func TestBuildTimelineStandardShift(t *testing.T) {
	tl, err := BuildTimeline(testDay, standardConfig(), time.UTC)
	require.NoError(t, err)

	assert.Equal(t, 11, tl.TotalIndices())
	assert.Equal(t, at(9, 0, 0), tl.ShiftStart())
	assert.Equal(t, at(18, 0, 0), tl.ShiftEnd())

	var total time.Duration
	for n := 1; n <= 11; n++ {
		total += tl.IndexDuration(n)
		if n == 5 {
			assert.Equal(t, 2620*time.Second, tl.IndexDuration(n), "interrupted index absorbs the remainder")
		} else {
			assert.Equal(t, 2618*time.Second, tl.IndexDuration(n))
		}
	}
	assert.Equal(t, 8*time.Hour, total)

	plan := tl.Plan()
	require.Len(t, plan, 13, "11 work indices, one split in two, plus one break")
	assert.Equal(t, at(9, 0, 0), plan[0].Start)
	assert.Equal(t, at(18, 0, 0), plan[len(plan)-1].End)
	for i := 1; i < len(plan); i++ {
		assert.Equal(t, plan[i-1].End, plan[i].Start, "segments must be contiguous")
	}

	// The split around lunch: index 5 runs 11:54:32-12:00:00, pauses for the
	// break, then resumes 13:00:00-13:38:12.
	assert.Equal(t, Segment{Kind: SegmentWork, IndexNumber: 5, Start: at(11, 54, 32), End: at(12, 0, 0)}, plan[4])
	assert.Equal(t, Segment{Kind: SegmentBreak, IndexNumber: 5, Start: at(12, 0, 0), End: at(13, 0, 0)}, plan[5])
	assert.Equal(t, Segment{Kind: SegmentWork, IndexNumber: 5, Start: at(13, 0, 0), End: at(13, 38, 12)}, plan[6])
}

func TestTimelineAt(t *testing.T) {
	tl, err := BuildTimeline(testDay, standardConfig(), time.UTC)
	require.NoError(t, err)

	tests := []struct {
		name      string
		ts        time.Time
		wantPhase Phase
		wantIndex int
	}{
		{"before shift", at(8, 59, 59), PhaseBeforeShift, 0},
		{"shift start", at(9, 0, 0), PhaseInIndex, 1},
		{"mid morning", at(10, 30, 0), PhaseInIndex, 2},
		{"just before lunch", at(11, 59, 59), PhaseInIndex, 5},
		{"lunch starts", at(12, 0, 0), PhaseOnBreak, 5},
		{"lunch ends", at(13, 0, 0), PhaseInIndex, 5},
		{"resumed index keeps number", at(13, 38, 11), PhaseInIndex, 5},
		{"next index", at(13, 38, 12), PhaseInIndex, 6},
		{"last index", at(17, 59, 59), PhaseInIndex, 11},
		{"shift end", at(18, 0, 0), PhaseAfterShift, 0},
		{"evening", at(22, 0, 0), PhaseAfterShift, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := tl.At(tt.ts)
			assert.Equal(t, tt.wantPhase, status.Phase)
			assert.Equal(t, tt.wantIndex, status.IndexNumber)
		})
	}
}

func TestRemainderGoesToLastIndexWithoutBreaks(t *testing.T) {
	tl, err := BuildTimeline(testDay, Config{
		WorkStart:    "09:00",
		WorkEnd:      "10:00",
		TotalIndices: 7,
	}, time.UTC)
	require.NoError(t, err)

	// 3600/7 = 514 rem 2; no index is interrupted, so the last one gets it.
	for n := 1; n <= 6; n++ {
		assert.Equal(t, 514*time.Second, tl.IndexDuration(n))
	}
	assert.Equal(t, 516*time.Second, tl.IndexDuration(7))
	assert.Equal(t, at(10, 0, 0), tl.Plan()[6].End)
}

func TestBreakOnIndexBoundary(t *testing.T) {
	tl, err := BuildTimeline(testDay, Config{
		WorkStart:    "09:00",
		WorkEnd:      "11:15",
		Breaks:       []string{"10:00-10:15"},
		TotalIndices: 2,
	}, time.UTC)
	require.NoError(t, err)

	// Net 2h split evenly: index 1 ends exactly where the break starts, so
	// nothing is interrupted and the break precedes index 2.
	plan := tl.Plan()
	require.Len(t, plan, 3)
	assert.Equal(t, Segment{Kind: SegmentWork, IndexNumber: 1, Start: at(9, 0, 0), End: at(10, 0, 0)}, plan[0])
	assert.Equal(t, Segment{Kind: SegmentBreak, IndexNumber: 2, Start: at(10, 0, 0), End: at(10, 15, 0)}, plan[1])
	assert.Equal(t, Segment{Kind: SegmentWork, IndexNumber: 2, Start: at(10, 15, 0), End: at(11, 15, 0)}, plan[2])

	status := tl.At(at(10, 5, 0))
	assert.Equal(t, PhaseOnBreak, status.Phase)
	assert.Equal(t, 2, status.IndexNumber)
}

func TestBuildTimelineRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad clock", Config{WorkStart: "9am", WorkEnd: "18:00", TotalIndices: 1}},
		{"end before start", Config{WorkStart: "18:00", WorkEnd: "09:00", TotalIndices: 1}},
		{"zero indices", Config{WorkStart: "09:00", WorkEnd: "18:00", TotalIndices: 0}},
		{"break outside shift", Config{WorkStart: "09:00", WorkEnd: "18:00", Breaks: []string{"08:00-08:30"}, TotalIndices: 3}},
		{"break beyond end", Config{WorkStart: "09:00", WorkEnd: "18:00", Breaks: []string{"17:30-18:30"}, TotalIndices: 3}},
		{"inverted break", Config{WorkStart: "09:00", WorkEnd: "18:00", Breaks: []string{"13:00-12:00"}, TotalIndices: 3}},
		{"overlapping breaks", Config{WorkStart: "09:00", WorkEnd: "18:00", Breaks: []string{"12:00-13:00", "12:30-14:00"}, TotalIndices: 3}},
		{"malformed break", Config{WorkStart: "09:00", WorkEnd: "18:00", Breaks: []string{"12:00"}, TotalIndices: 3}},
		{"net too short", Config{WorkStart: "09:00", WorkEnd: "09:01", TotalIndices: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildTimeline(testDay, tt.cfg, time.UTC)
			assert.Error(t, err)
		})
	}
}

func TestBreakTouchingShiftEnd(t *testing.T) {
	tl, err := BuildTimeline(testDay, Config{
		WorkStart:    "09:00",
		WorkEnd:      "12:00",
		Breaks:       []string{"11:30-12:00"},
		TotalIndices: 1,
	}, time.UTC)
	require.NoError(t, err)

	plan := tl.Plan()
	require.Len(t, plan, 2)
	assert.Equal(t, SegmentWork, plan[0].Kind)
	assert.Equal(t, at(11, 30, 0), plan[0].End)
	assert.Equal(t, SegmentBreak, plan[1].Kind)
	assert.Equal(t, at(12, 0, 0), plan[1].End)

	assert.Equal(t, PhaseOnBreak, tl.At(at(11, 45, 0)).Phase)
	assert.Equal(t, PhaseAfterShift, tl.At(at(12, 0, 0)).Phase)
}
