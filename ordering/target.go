// Package ordering keeps tasks of a scope totally ordered by sparse integer
// keys and recomputes a key when a task is dragged to a new position.
package ordering

import (
	"fmt"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

// ComputeReorderTarget returns the key for a task inserted at toIndex of
// ordered, the ascending keys of the destination scope without the task.
//
// The midpoint of two neighbours only separates them when they differ by at
// least two; Plan detects and compensates the colliding case.
func ComputeReorderTarget(ordered []int64, toIndex int) int64 {
	n := len(ordered)
	switch {
	case toIndex <= 0:
		if n == 0 {
			return domain.BaselineTop
		}
		return ordered[0] - 1
	case toIndex >= n:
		if n == 0 {
			return domain.BaselineBottom
		}
		return ordered[n-1] + 1
	default:
		return floorMid(ordered[toIndex-1], ordered[toIndex])
	}
}

// floorMid is floor((a+b)/2) without overflowing on large keys.
func floorMid(a, b int64) int64 {
	return a>>1 + b>>1 + a&b&1
}

// MovePlan is the outcome of planning a move: the new key of the moved task
// and, when the key would collide with a neighbour, the shift that makes room.
type MovePlan struct {
	Target int64
	Shift  *domain.RangeShift
}

// Plan computes the key of a task inserted at toIndex of ordered. fromIndex
// is the task's former index in the same list before it was removed, or -1
// when the task comes from another scope or is new.
//
// Collisions are always resolved here. A task moving down pushes the run of
// adjacent keys before the insertion point down by one; anything else pushes
// the run after it up by one. The run stops at the first gap, and the slot
// the task vacated is such a gap, so a same-scope shift never reaches past the
// task's old position.
func Plan(ordered []int64, fromIndex, toIndex int) (MovePlan, error) {
	n := len(ordered)
	if toIndex < 0 || toIndex > n {
		return MovePlan{}, fmt.Errorf("%w: %d not in [0, %d]", domain.ErrInvalidPosition, toIndex, n)
	}
	for i := 1; i < n; i++ {
		if ordered[i] <= ordered[i-1] {
			return MovePlan{}, fmt.Errorf("%w: keys %d and %d at %d", domain.ErrDuplicateOrder, ordered[i-1], ordered[i], i)
		}
	}

	target := ComputeReorderTarget(ordered, toIndex)
	if toIndex == 0 || toIndex == n {
		return MovePlan{Target: target}, nil
	}
	prev, next := ordered[toIndex-1], ordered[toIndex]
	if target > prev && target < next {
		return MovePlan{Target: target}, nil
	}

	if fromIndex >= 0 && toIndex > fromIndex {
		i := toIndex - 1
		for i > 0 && ordered[i]-ordered[i-1] <= 1 {
			i--
		}
		return MovePlan{
			Target: prev,
			Shift:  &domain.RangeShift{Start: ordered[i], End: prev, Delta: -1},
		}, nil
	}

	j := toIndex
	for j < n-1 && ordered[j+1]-ordered[j] <= 1 {
		j++
	}
	return MovePlan{
		Target: next,
		Shift:  &domain.RangeShift{Start: next, End: ordered[j], Delta: 1},
	}, nil
}

// ApplyPlan returns the keys that result from applying p to ordered and
// inserting the moved task at toIndex. It mirrors what a store does and is
// used to check plans without one.
func ApplyPlan(ordered []int64, toIndex int, p MovePlan) []int64 {
	out := make([]int64, 0, len(ordered)+1)
	for i, k := range ordered {
		if i == toIndex {
			out = append(out, p.Target)
		}
		if p.Shift != nil && k >= p.Shift.Start && k <= p.Shift.End {
			k += p.Shift.Delta
		}
		out = append(out, k)
	}
	if toIndex >= len(ordered) {
		out = append(out, p.Target)
	}
	return out
}
