package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSolveAssignment(t *testing.T) {
	tests := []struct {
		name string
		cost [][]float64
		want []int
	}{
		{
			name: "diagonal is optimal",
			cost: [][]float64{
				{1, 2},
				{2, 1},
			},
			want: []int{0, 1},
		},
		{
			name: "anti-diagonal is optimal",
			cost: [][]float64{
				{1, 0.1},
				{0.2, 5},
			},
			want: []int{1, 0},
		},
		{
			name: "more rows than columns",
			cost: [][]float64{
				{1},
				{0.5},
			},
			want: []int{-1, 0},
		},
		{
			name: "more columns than rows",
			cost: [][]float64{
				{3, 0.5, 1},
			},
			want: []int{1},
		},
		{
			name: "infeasible pair stays unmatched",
			cost: [][]float64{
				{bigCost},
			},
			want: []int{-1},
		},
		{
			name: "mixed feasible and infeasible",
			cost: [][]float64{
				{0.2, bigCost},
				{bigCost, bigCost},
			},
			want: []int{0, -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, solveAssignment(tt.cost))
		})
	}
}

func TestSolveAssignment_MinimizesTotalCost(t *testing.T) {
	// greedy would pick (0,0)=1 and strand row 1 with cost 10
	cost := [][]float64{
		{1, 2},
		{1.1, 10},
	}
	got := solveAssignment(cost)
	assert.Equal(t, []int{1, 0}, got, "optimal total is 2+1.1, not 1+10")
}

func TestSolveAssignment_Empty(t *testing.T) {
	assert.Nil(t, solveAssignment(nil))
	assert.Equal(t, []int{-1}, solveAssignment([][]float64{{}}))
}
