package tracker

import "math"

// bigCost 不可行配对的代价，远大于任何真实代价
const bigCost = 1e6

// solveAssignment 求最小代价二分匹配（Kuhn-Munkres 位势法）。
// cost 为 rows×cols 矩阵；返回长度为 rows 的数组，元素为匹配到的列下标，
// -1 表示未匹配。代价 >= bigCost/2 的配对视为不可行，不会出现在结果中。
// 行列遍历顺序固定，同代价时低下标优先，保证结果确定。
func solveAssignment(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])

	result := make([]int, rows)
	for i := range result {
		result[i] = -1
	}
	if cols == 0 {
		return result
	}

	// 补成方阵，虚拟行列用 bigCost 填充
	n := rows
	if cols > n {
		n = cols
	}
	a := make([][]float64, n+1)
	for i := 1; i <= n; i++ {
		a[i] = make([]float64, n+1)
		for j := 1; j <= n; j++ {
			if i <= rows && j <= cols {
				a[i][j] = cost[i-1][j-1]
			} else {
				a[i][j] = bigCost
			}
		}
	}

	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j]: 列 j 当前匹配的行
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := a[i0][j] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	for j := 1; j <= n; j++ {
		i := p[j]
		if i >= 1 && i <= rows && j <= cols && cost[i-1][j-1] < bigCost/2 {
			result[i-1] = j - 1
		}
	}
	return result
}
