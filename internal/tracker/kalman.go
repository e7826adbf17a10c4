package tracker

import (
	"math"

	"linewatch/internal/geometry"
)

// 常速卡尔曼滤波，状态向量为 [cx, cy, a, h, vcx, vcy, va, vh]
// cx,cy 为框中心，a 为宽高比，h 为框高，后四维为对应速度。
// 过程/观测噪声按框高缩放。
const (
	stdWeightPosition = 1.0 / 20
	stdWeightVelocity = 1.0 / 160
)

type kalmanFilter struct {
	mean [8]float64
	cov  [8][8]float64
}

// rectToXYAH 矩形框转观测向量 [cx, cy, a, h]
func rectToXYAH(r geometry.Rect) [4]float64 {
	w, h := r.Width(), r.Height()
	return [4]float64{r.X1 + w/2, r.Y1 + h/2, w / h, h}
}

// xyahToRect 状态向量还原为矩形框
func xyahToRect(m [8]float64) geometry.Rect {
	cx, cy, a, h := m[0], m[1], m[2], m[3]
	w := a * h
	return geometry.Rect{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// initiate 用首个观测初始化状态，速度置零
func (k *kalmanFilter) initiate(m [4]float64) {
	for i := 0; i < 4; i++ {
		k.mean[i] = m[i]
		k.mean[i+4] = 0
	}

	h := m[3]
	std := [8]float64{
		2 * stdWeightPosition * h,
		2 * stdWeightPosition * h,
		1e-2,
		2 * stdWeightPosition * h,
		10 * stdWeightVelocity * h,
		10 * stdWeightVelocity * h,
		1e-5,
		10 * stdWeightVelocity * h,
	}
	k.cov = [8][8]float64{}
	for i := 0; i < 8; i++ {
		k.cov[i][i] = std[i] * std[i]
	}
}

// predict 推进一帧：x = Fx, P = FPFᵀ + Q
func (k *kalmanFilter) predict() {
	// x = Fx，位置加上速度
	for i := 0; i < 4; i++ {
		k.mean[i] += k.mean[i+4]
	}

	// P = FPFᵀ，利用 F = I + D 的稀疏结构展开
	for i := 0; i < 4; i++ {
		for j := 0; j < 8; j++ {
			k.cov[i][j] += k.cov[i+4][j]
		}
	}
	for j := 0; j < 4; j++ {
		for i := 0; i < 8; i++ {
			k.cov[i][j] += k.cov[i][j+4]
		}
	}

	// 过程噪声按框高缩放
	h := k.mean[3]
	q := [8]float64{
		stdWeightPosition * h,
		stdWeightPosition * h,
		1e-2,
		stdWeightPosition * h,
		stdWeightVelocity * h,
		stdWeightVelocity * h,
		1e-5,
		stdWeightVelocity * h,
	}
	for i := 0; i < 8; i++ {
		k.cov[i][i] += q[i] * q[i]
	}
}

// update 用观测 m 修正状态
func (k *kalmanFilter) update(m [4]float64) {
	// 观测噪声
	h := k.mean[3]
	rstd := [4]float64{
		stdWeightPosition * h,
		stdWeightPosition * h,
		1e-1,
		stdWeightPosition * h,
	}

	// S = HPHᵀ + R，H 取前四维
	var s [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			s[i][j] = k.cov[i][j]
		}
		s[i][i] += rstd[i] * rstd[i]
	}

	sinv, ok := invert4(s)
	if !ok {
		// 奇异矩阵无法修正，保持预测值
		return
	}

	// K = P Hᵀ S⁻¹ (8x4)
	var gain [8][4]float64
	for i := 0; i < 8; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for l := 0; l < 4; l++ {
				sum += k.cov[i][l] * sinv[l][j]
			}
			gain[i][j] = sum
		}
	}

	// x = x + K(z - Hx)
	var innov [4]float64
	for i := 0; i < 4; i++ {
		innov[i] = m[i] - k.mean[i]
	}
	for i := 0; i < 8; i++ {
		for j := 0; j < 4; j++ {
			k.mean[i] += gain[i][j] * innov[j]
		}
	}

	// P = (I - KH) P
	var next [8][8]float64
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			v := k.cov[i][j]
			for l := 0; l < 4; l++ {
				v -= gain[i][l] * k.cov[l][j]
			}
			next[i][j] = v
		}
	}
	k.cov = next
}

// invert4 4x4 矩阵求逆（高斯-约当消元，部分主元）
func invert4(m [4][4]float64) ([4][4]float64, bool) {
	var aug [4][8]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			aug[i][j] = m[i][j]
		}
		aug[i][i+4] = 1
	}

	for col := 0; col < 4; col++ {
		// 选主元
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(aug[pivot][col]) < 1e-12 {
			return [4][4]float64{}, false
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		inv := 1 / aug[col][col]
		for j := 0; j < 8; j++ {
			aug[col][j] *= inv
		}
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := aug[r][col]
			if f == 0 {
				continue
			}
			for j := 0; j < 8; j++ {
				aug[r][j] -= f * aug[col][j]
			}
		}
	}

	var out [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = aug[i][j+4]
		}
	}
	return out, true
}
