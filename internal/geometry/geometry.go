// Package geometry 提供像素平面上的基础几何运算：
// 点/矩形/多边形、IoU、射线法点包含测试、多边形有效性校验。
// 所有坐标均为图像像素坐标（左上角为原点）。
package geometry

import (
	"fmt"
	"math"
)

const epsilon = 1e-9

// Point 像素平面上的点
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance 两点欧氏距离
func Distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Rect 轴对齐矩形框，(X1,Y1) 左上，(X2,Y2) 右下
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width 矩形宽度
func (r Rect) Width() float64 { return r.X2 - r.X1 }

// Height 矩形高度
func (r Rect) Height() float64 { return r.Y2 - r.Y1 }

// Area 矩形面积（非法矩形返回0）
func (r Rect) Area() float64 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center 矩形中心点
func (r Rect) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

// Valid 判断矩形是否合法（右下严格大于左上，坐标有限）
func (r Rect) Valid() bool {
	for _, v := range []float64{r.X1, r.Y1, r.X2, r.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.X2 > r.X1 && r.Y2 > r.Y1
}

// IoU 两矩形的交并比，无交集返回0
func (r Rect) IoU(o Rect) float64 {
	ix1 := math.Max(r.X1, o.X1)
	iy1 := math.Max(r.Y1, o.Y1)
	ix2 := math.Min(r.X2, o.X2)
	iy2 := math.Min(r.Y2, o.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Polygon 多边形，按顶点顺序存储（首尾自动闭合）
type Polygon []Point

// Area 多边形面积（鞋带公式，取绝对值）
func (poly Polygon) Area() float64 {
	n := len(poly)
	if n < 3 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	return math.Abs(sum) / 2
}

// Contains 射线法判断点是否在多边形内，边界上的点视为包含
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	// 先检查边界：落在任意一条边上即视为包含
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		if pointOnSegment(p, poly[i], poly[j]) {
			return true
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := poly[i], poly[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			x := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Validate 校验多边形有效性：至少3个顶点、坐标有限、面积非零、无自相交
func (poly Polygon) Validate() error {
	if len(poly) < 3 {
		return fmt.Errorf("polygon must have at least 3 vertices, got %d", len(poly))
	}
	for i, p := range poly {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("polygon vertex %d has non-finite coordinates", i)
		}
	}
	if poly.Area() <= epsilon {
		return fmt.Errorf("polygon has zero area")
	}

	// 非相邻边不允许交叉（共线重叠的退化情形由面积校验兜底）
	n := len(poly)
	for i := 0; i < n; i++ {
		a1, a2 := poly[i], poly[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// 跳过相邻边（共享顶点）
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue
			}
			b1, b2 := poly[j], poly[(j+1)%n]
			if segmentsCross(a1, a2, b1, b2) {
				return fmt.Errorf("polygon is self-intersecting (edge %d crosses edge %d)", i, j)
			}
		}
	}
	return nil
}

// pointOnSegment 判断点是否落在线段上（含端点）
func pointOnSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > epsilon*math.Max(1, math.Max(math.Abs(b.X-a.X), math.Abs(b.Y-a.Y))) {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-epsilon && p.X <= math.Max(a.X, b.X)+epsilon &&
		p.Y >= math.Min(a.Y, b.Y)-epsilon && p.Y <= math.Max(a.Y, b.Y)+epsilon
}

// segmentsCross 判断两线段是否真交叉（不含端点相触）
func segmentsCross(a1, a2, b1, b2 Point) bool {
	d1 := crossProduct(b1, b2, a1)
	d2 := crossProduct(b1, b2, a2)
	d3 := crossProduct(a1, a2, b1)
	d4 := crossProduct(a1, a2, b2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

// crossProduct (b-a) × (p-a)
func crossProduct(a, b, p Point) float64 {
	return (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
}
