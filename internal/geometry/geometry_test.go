package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRectIoU(t *testing.T) {
	tests := []struct {
		name string
		a    Rect
		b    Rect
		want float64
	}{
		{
			name: "identical boxes",
			a:    Rect{0, 0, 10, 10},
			b:    Rect{0, 0, 10, 10},
			want: 1.0,
		},
		{
			name: "disjoint boxes",
			a:    Rect{0, 0, 10, 10},
			b:    Rect{20, 20, 30, 30},
			want: 0.0,
		},
		{
			name: "half horizontal overlap",
			a:    Rect{0, 0, 10, 10},
			b:    Rect{5, 0, 15, 10},
			// inter=50, union=150
			want: 50.0 / 150.0,
		},
		{
			name: "touching edges only",
			a:    Rect{0, 0, 10, 10},
			b:    Rect{10, 0, 20, 10},
			want: 0.0,
		},
		{
			name: "contained box",
			a:    Rect{0, 0, 10, 10},
			b:    Rect{2, 2, 8, 8},
			// inter=36, union=100
			want: 0.36,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), 1e-9)
			// IoU is symmetric
			assert.InDelta(t, tt.want, tt.b.IoU(tt.a), 1e-9)
		})
	}
}

func TestRectCenterAndArea(t *testing.T) {
	r := Rect{10, 20, 30, 60}
	c := r.Center()
	assert.Equal(t, 20.0, c.X)
	assert.Equal(t, 40.0, c.Y)
	assert.Equal(t, 800.0, r.Area())
	assert.True(t, r.Valid())

	inverted := Rect{30, 60, 10, 20}
	assert.False(t, inverted.Valid())
	assert.Equal(t, 0.0, inverted.Area())
}

func TestPolygonContains(t *testing.T) {
	square := Polygon{{0, 0}, {100, 0}, {100, 100}, {0, 100}}

	assert.True(t, square.Contains(Point{50, 50}))
	assert.False(t, square.Contains(Point{150, 50}))
	assert.False(t, square.Contains(Point{-1, 50}))

	// boundary is inclusive
	assert.True(t, square.Contains(Point{0, 50}), "point on left edge")
	assert.True(t, square.Contains(Point{100, 100}), "point on corner")
	assert.True(t, square.Contains(Point{50, 0}), "point on top edge")
}

func TestPolygonContains_Concave(t *testing.T) {
	// U-shaped polygon: the notch between the arms is outside
	u := Polygon{
		{0, 0}, {30, 0}, {30, 30}, {60, 30}, {60, 0}, {90, 0}, {90, 60}, {0, 60},
	}

	assert.True(t, u.Contains(Point{15, 15}), "left arm")
	assert.True(t, u.Contains(Point{75, 15}), "right arm")
	assert.True(t, u.Contains(Point{45, 45}), "base")
	assert.False(t, u.Contains(Point{45, 10}), "inside the notch")
}

func TestPolygonArea(t *testing.T) {
	square := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	assert.InDelta(t, 100.0, square.Area(), 1e-9)

	// winding direction must not matter
	reversed := Polygon{{0, 10}, {10, 10}, {10, 0}, {0, 0}}
	assert.InDelta(t, 100.0, reversed.Area(), 1e-9)

	triangle := Polygon{{0, 0}, {10, 0}, {0, 10}}
	assert.InDelta(t, 50.0, triangle.Area(), 1e-9)
}

func TestPolygonValidate(t *testing.T) {
	valid := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	require.NoError(t, valid.Validate())

	tooFew := Polygon{{0, 0}, {10, 10}}
	assert.Error(t, tooFew.Validate())

	degenerate := Polygon{{0, 0}, {5, 0}, {10, 0}}
	assert.Error(t, degenerate.Validate(), "collinear vertices have zero area")

	// bow-tie self intersection
	bowtie := Polygon{{0, 0}, {10, 10}, {10, 0}, {0, 10}}
	assert.Error(t, bowtie.Validate())
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(Point{0, 0}, Point{3, 4}), 1e-9)
	assert.InDelta(t, 0.0, Distance(Point{7, 7}, Point{7, 7}), 1e-9)
}
