package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroPriority(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", ScopeKey: "status:todo", PriorityOrder: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"priorityOrder\":0") {
		t.Fatalf("expected priorityOrder field to be present, got %s", payload)
	}
}

func TestSortTasksBreaksTiesByID(t *testing.T) {
	tasks := []Task{
		{ID: "c", PriorityOrder: 5},
		{ID: "b", PriorityOrder: 5},
		{ID: "a", PriorityOrder: 10},
		{ID: "d", PriorityOrder: -1},
	}
	SortTasks(tasks)

	got := make([]string, len(tasks))
	for i, task := range tasks {
		got[i] = task.ID
	}
	if strings.Join(got, ",") != "d,b,c,a" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestGroupingScopeKeys(t *testing.T) {
	task := Task{Status: StatusInProgress, ParentID: "sculpture-1"}
	tests := []struct {
		kind GroupingKind
		want string
	}{
		{GroupByStatus, "status:in_progress"},
		{GroupByParent, "parent:sculpture-1"},
		{GroupByAssignee, "assignee:unassigned"},
	}
	for _, tt := range tests {
		if got := (Grouping{Kind: tt.kind}).ScopeKey(task); got != tt.want {
			t.Fatalf("ScopeKey(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
	if got := (Grouping{Kind: GroupByParent}).ScopeKey(Task{}); got != "parent:unassociated" {
		t.Fatalf("unexpected unassociated scope: %q", got)
	}
}

func TestGroupingPlace(t *testing.T) {
	byStatus := Grouping{Kind: GroupByStatus}
	task := Task{Status: StatusTodo}
	if err := byStatus.Place(&task, "status:done"); err != nil {
		t.Fatalf("place: %v", err)
	}
	if task.Status != StatusDone || task.ScopeKey != "status:done" {
		t.Fatalf("unexpected task after place: %+v", task)
	}

	byParent := Grouping{Kind: GroupByParent}
	task = Task{ParentID: "p1"}
	if err := byParent.Place(&task, "parent:unassociated"); err != nil {
		t.Fatalf("place: %v", err)
	}
	if task.ParentID != "" || task.ScopeKey != "parent:unassociated" {
		t.Fatalf("unexpected task after place: %+v", task)
	}

	for _, bad := range []string{"status:archived", "parent:x", "", "status:"} {
		probe := Task{}
		if err := byStatus.Place(&probe, bad); !errors.Is(err, ErrInvalidScope) {
			t.Fatalf("expected ErrInvalidScope for %q, got %v", bad, err)
		}
	}
}

func TestParseGrouping(t *testing.T) {
	for in, want := range map[string]GroupingKind{"": GroupByStatus, "Status": GroupByStatus, "parent": GroupByParent, " assignee ": GroupByAssignee} {
		g, err := ParseGrouping(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if g.Kind != want {
			t.Fatalf("parse %q = %v, want %v", in, g.Kind, want)
		}
	}
	if _, err := ParseGrouping("color"); err == nil {
		t.Fatal("expected error for unknown grouping")
	}
}

func TestRangeShiftValidate(t *testing.T) {
	if err := (RangeShift{Start: 5, End: 4, Delta: 1}).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if err := (RangeShift{Start: 1, End: 4, Delta: 2}).Validate(); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
	if err := (RangeShift{Start: 4, End: 4, Delta: -1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPersistenceErrorMatching(t *testing.T) {
	err := Persistence("shift", fmt.Errorf("update: %w", ErrConcurrencyConflict))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence match")
	}
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected cause to stay matchable")
	}
	if again := Persistence("outer", err); again != err {
		t.Fatalf("expected persistence errors not to be double wrapped")
	}
	if ErrorCode(err) != "conflict" {
		t.Fatalf("unexpected code: %s", ErrorCode(err))
	}
	if ErrorCode(Persistence("x", errors.New("boom"))) != "persistence" {
		t.Fatalf("unexpected code for plain store failure")
	}
	if Persistence("x", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
