package domain

import (
	"fmt"
	"time"
)

// RangeShift adds Delta to the priority key of every task in a scope whose key
// lies within [Start, End], except ExcludeID.
type RangeShift struct {
	OwnerID   string    `json:"ownerId"`
	ScopeKey  string    `json:"scopeKey"`
	Start     int64     `json:"start"`
	End       int64     `json:"end"`
	Delta     int64     `json:"delta"`
	ExcludeID string    `json:"excludeId,omitempty"`
	At        time.Time `json:"-"`
}

// Validate rejects inverted ranges and deltas other than one step.
func (r RangeShift) Validate() error {
	if r.Start > r.End {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.Start, r.End)
	}
	if r.Delta != 1 && r.Delta != -1 {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, r.Delta)
	}
	return nil
}

// Covers reports whether t is affected by the shift.
func (r RangeShift) Covers(t Task) bool {
	return t.OwnerID == r.OwnerID &&
		t.ScopeKey == r.ScopeKey &&
		t.ID != r.ExcludeID &&
		t.PriorityOrder >= r.Start &&
		t.PriorityOrder <= r.End
}

// Placement is the single-row write that positions a task.
type Placement struct {
	OwnerID       string
	TaskID        string
	ScopeKey      string
	Status        Status
	ParentID      string
	Assignee      string
	PriorityOrder int64
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
	At              time.Time
}

// PlacementFor builds the placement that writes t's grouping fields and key.
func PlacementFor(t Task, at time.Time) Placement {
	return Placement{
		OwnerID:       t.OwnerID,
		TaskID:        t.ID,
		ScopeKey:      t.ScopeKey,
		Status:        t.Status,
		ParentID:      t.ParentID,
		Assignee:      t.Assignee,
		PriorityOrder: t.PriorityOrder,
		At:            at,
	}
}

// Apply copies the placement onto t and advances its version.
func (p Placement) Apply(t *Task) {
	t.ScopeKey = p.ScopeKey
	t.Status = p.Status
	t.ParentID = p.ParentID
	t.Assignee = p.Assignee
	t.PriorityOrder = p.PriorityOrder
	t.Version++
	t.UpdatedAt = p.At
}
