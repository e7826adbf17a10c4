package consumer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linewatch/internal/geometry"
	"linewatch/internal/identity"
	"linewatch/internal/models"
	"linewatch/internal/timeacct"
	"linewatch/internal/tracker"
	"linewatch/internal/zones"
)

// fakeSink 记录收到的事件
type fakeSink struct {
	mu          sync.Mutex
	trackEvents []models.TrackEvent
	assignments []models.ZoneAssignment
	diagnostics []models.DiagnosticEvent
	tables      map[string][]models.Track
}

func newFakeSink() *fakeSink {
	return &fakeSink{tables: make(map[string][]models.Track)}
}

func (f *fakeSink) PublishTrackEvent(ev models.TrackEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackEvents = append(f.trackEvents, ev)
}

func (f *fakeSink) PublishZoneAssignment(za models.ZoneAssignment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, za)
}

func (f *fakeSink) PublishDiagnostic(ev models.DiagnosticEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagnostics = append(f.diagnostics, ev)
}

func (f *fakeSink) SetTrackTable(cameraID string, tracks []models.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[cameraID] = tracks
}

func (f *fakeSink) diagCount(kind models.DiagnosticKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.diagnostics {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

func testTrackerConfig() tracker.Config {
	return tracker.Config{
		TrackThresh:   0.5,
		LowConfThresh: 0.1,
		MatchIoU:      0.3,
		ConfirmStreak: 3,
		LostBuffer:    2,
	}
}

func setupConsumer(t *testing.T) (*Consumer, *fakeSink, *timeacct.Engine) {
	t.Helper()
	logger := zap.NewNop()

	attributor := zones.New(zones.TieBreakSmallest, logger)
	require.NoError(t, attributor.Load([]models.Zone{{
		ZoneID:   "Z01",
		CameraID: "cam01",
		Name:     "station 1",
		ZoneType: models.ZoneTypeWork,
		Polygon:  geometry.Polygon{{X: 0, Y: 0}, {X: 500, Y: 0}, {X: 500, Y: 500}, {X: 0, Y: 500}},
		Active:   true,
	}}))

	resolver := identity.New(identity.Config{
		RetryInterval: 2 * time.Second,
		LostTTL:       time.Minute,
		SimThreshold:  0.8,
	}, nil, nil, logger)

	engine := timeacct.NewEngine(timeacct.Config{IdlePixels: 10, IdleAfter: time.Minute}, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	sink := newFakeSink()
	c := New(Config{
		Topic:         "vision/+/detections",
		QueueDepth:    4,
		CameraTimeout: 10 * time.Second,
	}, testTrackerConfig(), nil, attributor, resolver, engine, sink, logger)
	return c, sink, engine
}

func batchPayload(t *testing.T, cameraID string, frameID uint64, ts time.Time, boxes ...[4]float64) []byte {
	t.Helper()
	b := models.DetectionBatch{
		FrameID:     frameID,
		CameraID:    cameraID,
		TimestampMs: ts.UnixMilli(),
	}
	for _, box := range boxes {
		b.Detections = append(b.Detections, models.WireDetection{Bbox: box, Confidence: 0.9})
	}
	payload, err := json.Marshal(&b)
	require.NoError(t, err)
	return payload
}

func TestConsumer_PipelineOpensSession(t *testing.T) {
	c, sink, engine := setupConsumer(t)
	defer c.Stop()

	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	box := [4]float64{100, 100, 150, 220}
	for i := 0; i < 4; i++ {
		payload := batchPayload(t, "cam01", uint64(i+1), ts.Add(time.Duration(i)*100*time.Millisecond), box)
		require.NoError(t, c.handleMessage("vision/cam01/detections", payload))
	}

	require.Eventually(t, func() bool {
		return len(engine.GetActiveSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond, "confirmed track inside the zone opens a session")

	sessions := engine.GetActiveSessions()
	assert.Equal(t, "Z01", sessions[0].ZoneID)
	assert.Equal(t, "cam01", sessions[0].CameraID)
	assert.False(t, sessions[0].Attributed, "no oracle configured, synthetic worker bucket")

	require.Eventually(t, func() bool {
		return len(c.GetTrackTable("cam01")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cam01"}, c.Cameras())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.NotEmpty(t, sink.trackEvents)
	assert.NotEmpty(t, sink.assignments)
	assert.Equal(t, "Z01", sink.assignments[len(sink.assignments)-1].ZoneID)
}

func TestConsumer_MalformedBatchCountsAsMiss(t *testing.T) {
	c, sink, _ := setupConsumer(t)
	defer c.Stop()

	err := c.handleMessage("vision/cam01/detections", []byte("{not json"))
	assert.Error(t, err)
	assert.Equal(t, uint64(1), c.MalformedBatches())
	assert.Equal(t, 1, sink.diagCount(models.DiagBatchMalformed))

	// 主题与负载的相机不一致
	payload := batchPayload(t, "cam02", 1, time.Now(), [4]float64{0, 0, 10, 10})
	err = c.handleMessage("vision/cam01/detections", payload)
	assert.Error(t, err)
	assert.Equal(t, uint64(2), c.MalformedBatches())

	// 主题本身不合法
	err = c.handleMessage("garbage", []byte("{}"))
	assert.Error(t, err)
	assert.Equal(t, uint64(3), c.MalformedBatches())
}

func TestConsumer_MalformedBatchDoesNotSpawnPipeline(t *testing.T) {
	c, _, _ := setupConsumer(t)
	defer c.Stop()

	// 从未送过有效批次的相机ID：坏批次不得为它撑起流水线
	err := c.handleMessage("vision/cam99/detections", []byte("{not json"))
	assert.Error(t, err)
	payload := batchPayload(t, "other", 1, time.Now(), [4]float64{0, 0, 10, 10})
	err = c.handleMessage("vision/cam99/detections", payload)
	assert.Error(t, err)

	c.mu.Lock()
	assert.Empty(t, c.workers)
	c.mu.Unlock()
	assert.Empty(t, c.Cameras())

	// 有效批次建立流水线之后，坏批次才按丢帧进入既有队列
	require.NoError(t, c.handleMessage("vision/cam01/detections",
		batchPayload(t, "cam01", 1, time.Now(), [4]float64{100, 100, 150, 220})))
	assert.Error(t, c.handleMessage("vision/cam01/detections", []byte("{not json")))

	c.mu.Lock()
	assert.Len(t, c.workers, 1)
	_, ok := c.workers["cam01"]
	c.mu.Unlock()
	assert.True(t, ok)
}

func TestCameraWorker_BadFrameUsesProducerClock(t *testing.T) {
	c, sink, _ := setupConsumer(t)
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	w := newCameraWorker(c, "cam01")

	// 生产端时钟快于本机：坏帧若打本机时间戳，后续有效帧会被判乱序
	ts := time.Now().Add(time.Hour)
	b := models.DetectionBatch{
		FrameID:     1,
		CameraID:    "cam01",
		TimestampMs: ts.UnixMilli(),
		Detections:  []models.WireDetection{{Bbox: [4]float64{100, 100, 150, 220}, Confidence: 0.9}},
	}
	w.process(&b)
	w.process(nil)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.trackEvents)
	last := sink.trackEvents[len(sink.trackEvents)-1]
	assert.Equal(t, models.TrackEventLost, last.Type)
	assert.Equal(t, ts.UnixMilli(), last.Timestamp.UnixMilli())
}

func TestCameraWorker_QueueDropsOldest(t *testing.T) {
	c, sink, _ := setupConsumer(t)
	c.mu.Lock()
	c.stopped = true // 阻止 handleMessage 自动建协程
	c.mu.Unlock()

	w := newCameraWorker(c, "cam01")
	// 协程未启动，队列只进不出
	for i := 0; i < 6; i++ {
		b := models.DetectionBatch{FrameID: uint64(i + 1), CameraID: "cam01", TimestampMs: time.Now().UnixMilli()}
		w.enqueue(&b)
	}
	assert.Equal(t, uint64(2), c.DroppedBatches())
	assert.Equal(t, 2, sink.diagCount(models.DiagBatchDropped))

	// 留在队列里的是最新的 4 个批次
	first := <-w.queue
	assert.Equal(t, uint64(3), first.FrameID)
}

func TestCameraWorker_TimeoutFlushesTracks(t *testing.T) {
	c, _, engine := setupConsumer(t)
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	w := newCameraWorker(c, "cam01")
	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	box := [4]float64{100, 100, 150, 220}
	for i := 0; i < 4; i++ {
		b := models.DetectionBatch{
			FrameID:     uint64(i + 1),
			CameraID:    "cam01",
			TimestampMs: ts.Add(time.Duration(i) * 100 * time.Millisecond).UnixMilli(),
			Detections:  []models.WireDetection{{Bbox: box, Confidence: 0.9}},
		}
		w.process(&b)
	}
	require.Eventually(t, func() bool {
		return len(engine.GetActiveSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 断流超时：存活轨迹被移除，会话终结
	w.lastBatchAt = time.Now().Add(-time.Minute)
	w.checkTimeout(time.Now())
	assert.True(t, w.flushed)
	assert.Empty(t, w.tracker.Snapshot())

	require.Eventually(t, func() bool {
		return len(engine.GetActiveSessions()) == 0
	}, 2*time.Second, 10*time.Millisecond, "flush finalizes the open session")

	// 已清空后再次检查不重复动作
	w.checkTimeout(time.Now())
	assert.True(t, w.flushed)
}
