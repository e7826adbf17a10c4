package tracker

import (
	"testing"
	"time"

	"linewatch/internal/geometry"
	"linewatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testBase = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		TrackThresh:   0.5,
		LowConfThresh: 0.1,
		MatchIoU:      0.3,
		ConfirmStreak: 3,
		LostBuffer:    5,
	}
}

func det(x1, y1, x2, y2, conf float64) models.Detection {
	return models.Detection{
		Bbox:       geometry.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Confidence: conf,
	}
}

func frameTime(n uint64) time.Time {
	return testBase.Add(time.Duration(n) * 100 * time.Millisecond)
}

func TestTracker_CreateConfirmLifecycle(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())

	ev := tk.Update(1, frameTime(1), []models.Detection{det(0, 0, 20, 40, 0.9)})
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventCreated, ev[0].Type)
	assert.Equal(t, models.TrackTentative, ev[0].State)
	id := ev[0].TrackID

	ev = tk.Update(2, frameTime(2), []models.Detection{det(0, 0, 20, 40, 0.9)})
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventUpdated, ev[0].Type)
	assert.Equal(t, models.TrackTentative, ev[0].State)

	// third consecutive hit confirms
	ev = tk.Update(3, frameTime(3), []models.Detection{det(0, 0, 20, 40, 0.9)})
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventConfirmed, ev[0].Type)
	assert.Equal(t, models.TrackConfirmed, ev[0].State)
	assert.Equal(t, id, ev[0].TrackID)

	snap := tk.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.TrackConfirmed, snap[0].State)
	assert.Equal(t, uint32(3), snap[0].HitStreak)
}

func TestTracker_TentativeAgesLikeConfirmed(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())

	ev := tk.Update(1, frameTime(1), []models.Detection{det(0, 0, 20, 40, 0.9)})
	require.Len(t, ev, 1)
	id := ev[0].TrackID

	// an unconfirmed track takes the same lost path as a confirmed one
	ev = tk.Update(2, frameTime(2), nil)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventLost, ev[0].Type)
	assert.Equal(t, id, ev[0].TrackID)

	for f := uint64(3); f <= 5; f++ {
		assert.Empty(t, tk.Update(f, frameTime(f), nil))
	}
	ev = tk.Update(6, frameTime(6), nil)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventRemoved, ev[0].Type)
	assert.Equal(t, id, ev[0].TrackID)
	assert.Empty(t, tk.Snapshot())
}

func TestTracker_RescuedTentativeStaysTentative(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	box := []models.Detection{det(0, 0, 20, 40, 0.9)}

	ev := tk.Update(1, frameTime(1), box)
	require.Len(t, ev, 1)
	id := ev[0].TrackID

	ev = tk.Update(2, frameTime(2), nil)
	require.Len(t, ev, 1)
	require.Equal(t, models.TrackEventLost, ev[0].Type)

	// a never-confirmed track rescued from Lost must not jump to Confirmed:
	// two non-consecutive hits are not a confirm_streak of three
	ev = tk.Update(3, frameTime(3), box)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventUpdated, ev[0].Type)
	assert.Equal(t, models.TrackTentative, ev[0].State)
	assert.Equal(t, id, ev[0].TrackID)

	// the streak restarts from the rescue frame
	ev = tk.Update(4, frameTime(4), box)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackTentative, ev[0].State)

	ev = tk.Update(5, frameTime(5), box)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventConfirmed, ev[0].Type)
	assert.Equal(t, models.TrackConfirmed, ev[0].State)

	snap := tk.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint32(3), snap[0].HitStreak)
}

func TestTracker_ConfirmedLostThenRemoved(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	box := []models.Detection{det(0, 0, 20, 40, 0.9)}

	var all []models.TrackEvent
	for f := uint64(1); f <= 3; f++ {
		all = append(all, tk.Update(f, frameTime(f), box)...)
	}

	// first miss flips Confirmed to Lost
	ev := tk.Update(4, frameTime(4), nil)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventLost, ev[0].Type)
	all = append(all, ev...)

	// track ages quietly until lost_buffer misses accumulate
	for f := uint64(5); f <= 7; f++ {
		ev = tk.Update(f, frameTime(f), nil)
		assert.Empty(t, ev, "aging frames emit nothing")
	}
	ev = tk.Update(8, frameTime(8), nil)
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventRemoved, ev[0].Type)
	all = append(all, ev...)

	// lifecycle order: no event ever follows Removed
	var states []models.TrackState
	for _, e := range all {
		states = append(states, e.State)
	}
	assert.Equal(t, []models.TrackState{
		models.TrackTentative,
		models.TrackTentative,
		models.TrackConfirmed,
		models.TrackLost,
		models.TrackRemoved,
	}, states)
	assert.Empty(t, tk.Snapshot())
}

func TestTracker_SecondStageRescue(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	for f := uint64(1); f <= 3; f++ {
		tk.Update(f, frameTime(f), []models.Detection{det(0, 0, 20, 40, 0.9)})
	}

	// only a low-confidence detection this frame: the second pass rescues the track
	ev := tk.Update(4, frameTime(4), []models.Detection{det(1, 0, 21, 40, 0.3)})
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventUpdated, ev[0].Type)
	assert.Equal(t, models.TrackConfirmed, ev[0].State)

	snap := tk.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.TrackConfirmed, snap[0].State)
	assert.Equal(t, uint32(0), snap[0].MissStreak)
}

func TestTracker_LostTrackRescuedByHighConf(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	for f := uint64(1); f <= 3; f++ {
		tk.Update(f, frameTime(f), []models.Detection{det(0, 0, 20, 40, 0.9)})
	}
	ev := tk.Update(4, frameTime(4), nil)
	require.Len(t, ev, 1)
	require.Equal(t, models.TrackEventLost, ev[0].Type)

	// reappears before the buffer expires, same identity resumes
	ev = tk.Update(5, frameTime(5), []models.Detection{det(0, 0, 20, 40, 0.85)})
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventUpdated, ev[0].Type)
	assert.Equal(t, models.TrackConfirmed, ev[0].State)
	assert.Equal(t, uint64(1), ev[0].TrackID, "same track id, no new track spawned")
}

func TestTracker_LowConfDoesNotSpawn(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	ev := tk.Update(1, frameTime(1), []models.Detection{det(0, 0, 20, 40, 0.3)})
	assert.Empty(t, ev)
	assert.Empty(t, tk.Snapshot())
}

func TestTracker_AssignmentKeepsIdentities(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	frame := []models.Detection{
		det(0, 0, 20, 40, 0.9),
		det(100, 0, 120, 40, 0.9),
	}
	var leftID, rightID uint64
	for f := uint64(1); f <= 3; f++ {
		evs := tk.Update(f, frameTime(f), frame)
		for _, e := range evs {
			if e.Bbox.X1 < 50 {
				leftID = e.TrackID
			} else {
				rightID = e.TrackID
			}
		}
	}
	require.NotZero(t, leftID)
	require.NotZero(t, rightID)
	require.NotEqual(t, leftID, rightID)

	// both targets drift right by 2px; detections arrive in swapped order
	evs := tk.Update(4, frameTime(4), []models.Detection{
		det(102, 0, 122, 40, 0.8),
		det(2, 0, 22, 40, 0.9),
	})
	require.Len(t, evs, 2)
	for _, e := range evs {
		if e.TrackID == leftID {
			assert.InDelta(t, 2.0, e.Bbox.X1, 1e-9)
		} else {
			assert.Equal(t, rightID, e.TrackID)
			assert.InDelta(t, 102.0, e.Bbox.X1, 1e-9)
		}
	}
}

func TestTracker_TieBrokenByHigherConfidence(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	tk.Update(1, frameTime(1), []models.Detection{det(0, 0, 20, 40, 0.9)})

	// two identical boxes, different confidence: the higher one wins the match
	ev := tk.Update(2, frameTime(2), []models.Detection{
		det(0, 0, 20, 40, 0.8),
		det(0, 0, 20, 40, 0.95),
	})
	// one Updated for the existing track, one Created for the leftover detection
	require.Len(t, ev, 2)
	var updated, created *models.TrackEvent
	for i := range ev {
		switch ev[i].Type {
		case models.TrackEventUpdated:
			updated = &ev[i]
		case models.TrackEventCreated:
			created = &ev[i]
		}
	}
	require.NotNil(t, updated)
	require.NotNil(t, created)

	snap := tk.Snapshot()
	require.Len(t, snap, 2)
	for _, s := range snap {
		if s.TrackID == updated.TrackID {
			assert.InDelta(t, 0.95, s.Confidence, 1e-9)
		}
	}
}

func TestTracker_FlushRemovesEverything(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	frame := []models.Detection{
		det(0, 0, 20, 40, 0.9),
		det(100, 0, 120, 40, 0.9),
	}
	for f := uint64(1); f <= 3; f++ {
		tk.Update(f, frameTime(f), frame)
	}

	evs := tk.Flush(4, frameTime(4))
	require.Len(t, evs, 2)
	for _, e := range evs {
		assert.Equal(t, models.TrackEventRemoved, e.Type)
		assert.Equal(t, models.TrackRemoved, e.State)
	}
	assert.Empty(t, tk.Snapshot())
}

func TestTracker_MissAllAgesAllTracks(t *testing.T) {
	tk := New("cam01", testConfig(), zap.NewNop())
	for f := uint64(1); f <= 3; f++ {
		tk.Update(f, frameTime(f), []models.Detection{det(0, 0, 20, 40, 0.9)})
	}

	ev := tk.MissAll(4, frameTime(4))
	require.Len(t, ev, 1)
	assert.Equal(t, models.TrackEventLost, ev[0].Type)
}
