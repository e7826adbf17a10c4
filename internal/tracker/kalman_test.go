package tracker

import (
	"testing"

	"linewatch/internal/geometry"

	"github.com/stretchr/testify/assert"
)

func TestRectXYAHRoundTrip(t *testing.T) {
	r := geometry.Rect{X1: 10, Y1: 20, X2: 50, Y2: 100}
	m := rectToXYAH(r)
	assert.InDelta(t, 30.0, m[0], 1e-9)  // cx
	assert.InDelta(t, 60.0, m[1], 1e-9)  // cy
	assert.InDelta(t, 0.5, m[2], 1e-9)   // aspect w/h
	assert.InDelta(t, 80.0, m[3], 1e-9)  // h

	var state [8]float64
	copy(state[:4], m[:])
	back := xyahToRect(state)
	assert.InDelta(t, r.X1, back.X1, 1e-9)
	assert.InDelta(t, r.Y1, back.Y1, 1e-9)
	assert.InDelta(t, r.X2, back.X2, 1e-9)
	assert.InDelta(t, r.Y2, back.Y2, 1e-9)
}

func TestKalman_StaticTargetStaysPut(t *testing.T) {
	var kf kalmanFilter
	m := [4]float64{100, 100, 0.5, 40}
	kf.initiate(m)

	for i := 0; i < 10; i++ {
		kf.predict()
		kf.update(m)
	}

	assert.InDelta(t, 100.0, kf.mean[0], 1.0)
	assert.InDelta(t, 100.0, kf.mean[1], 1.0)
	assert.InDelta(t, 40.0, kf.mean[3], 1.0)
}

func TestKalman_LearnsConstantVelocity(t *testing.T) {
	var kf kalmanFilter
	kf.initiate([4]float64{100, 50, 0.5, 40})

	// target moves +5px per frame along x
	for i := 1; i <= 8; i++ {
		kf.predict()
		kf.update([4]float64{100 + float64(i)*5, 50, 0.5, 40})
	}

	// after the learning phase the prediction should lead the last measurement
	kf.predict()
	assert.Greater(t, kf.mean[0], 140.0, "prediction keeps moving with learned velocity")
	assert.Less(t, kf.mean[0], 150.0)
	assert.InDelta(t, 50.0, kf.mean[1], 1.0, "y stays put")
}

func TestInvert4(t *testing.T) {
	m := [4][4]float64{
		{4, 0, 0, 0},
		{0, 2, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 8},
	}
	inv, ok := invert4(m)
	assert.True(t, ok)
	assert.InDelta(t, 0.25, inv[0][0], 1e-12)
	assert.InDelta(t, 0.5, inv[1][1], 1e-12)
	assert.InDelta(t, 1.0, inv[2][2], 1e-12)
	assert.InDelta(t, 0.125, inv[3][3], 1e-12)

	singular := [4][4]float64{}
	_, ok = invert4(singular)
	assert.False(t, ok)
}
