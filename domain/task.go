package domain

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting"
	StatusDone       Status = "done"
)

// Statuses lists every known status in board column order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusWaiting, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

const (
	// BaselineTop is the key given to a task moved to the top of an empty scope.
	BaselineTop int64 = 0
	// BaselineBottom is the key given to a task appended to an empty scope.
	BaselineBottom int64 = 1000
	// AppendGap separates newly created tasks from the current maximum.
	AppendGap int64 = 1000
)

// Task represents a single board item.
type Task struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	ScopeKey      string    `json:"scopeKey"`
	Status        Status    `json:"status"`
	ParentID      string    `json:"parentId,omitempty"`
	Assignee      string    `json:"assignee,omitempty"`
	Title         string    `json:"title"`
	Notes         string    `json:"notes,omitempty"`
	PriorityOrder int64     `json:"priorityOrder"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewTask carries the caller supplied fields of a task being created.
type NewTask struct {
	OwnerID  string `json:"-"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Status   Status `json:"status,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// Less orders tasks by priority, breaking ties by id.
func Less(a, b Task) bool {
	if a.PriorityOrder != b.PriorityOrder {
		return a.PriorityOrder < b.PriorityOrder
	}
	return a.ID < b.ID
}

// SortTasks sorts tasks into display order in place.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })
}

// Keys returns the priority keys of tasks in their current order.
func Keys(tasks []Task) []int64 {
	keys := make([]int64, len(tasks))
	for i, t := range tasks {
		keys[i] = t.PriorityOrder
	}
	return keys
}

// IndexOf returns the position of the task with the given id, or -1.
func IndexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
