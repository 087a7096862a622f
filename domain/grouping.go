package domain

import (
	"fmt"
	"strings"
)

// GroupingKind selects which task field partitions the board into scopes.
type GroupingKind int

const (
	GroupByStatus GroupingKind = iota
	GroupByParent
	GroupByAssignee
)

const (
	statusScopePrefix   = "status:"
	parentScopePrefix   = "parent:"
	assigneeScopePrefix = "assignee:"

	// Unassociated is the parent scope of tasks without a related record.
	Unassociated = "unassociated"
	// Unassigned is the assignee scope of tasks nobody owns.
	Unassigned = "unassigned"
)

// Grouping derives scope keys from tasks and places tasks into scopes.
type Grouping struct {
	Kind GroupingKind
}

// ParseGrouping maps a configuration value to a Grouping.
func ParseGrouping(v string) (Grouping, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "status":
		return Grouping{Kind: GroupByStatus}, nil
	case "parent":
		return Grouping{Kind: GroupByParent}, nil
	case "assignee":
		return Grouping{Kind: GroupByAssignee}, nil
	default:
		return Grouping{}, fmt.Errorf("unknown grouping %q", v)
	}
}

func (g Grouping) String() string {
	switch g.Kind {
	case GroupByParent:
		return "parent"
	case GroupByAssignee:
		return "assignee"
	default:
		return "status"
	}
}

// ScopeKey returns the ordering partition t belongs to.
func (g Grouping) ScopeKey(t Task) string {
	switch g.Kind {
	case GroupByParent:
		if t.ParentID == "" {
			return parentScopePrefix + Unassociated
		}
		return parentScopePrefix + t.ParentID
	case GroupByAssignee:
		if t.Assignee == "" {
			return assigneeScopePrefix + Unassigned
		}
		return assigneeScopePrefix + t.Assignee
	default:
		status := t.Status
		if status == "" {
			status = StatusTodo
		}
		return statusScopePrefix + string(status)
	}
}

// Place rewrites the grouping field of t so that it belongs to scopeKey.
func (g Grouping) Place(t *Task, scopeKey string) error {
	switch g.Kind {
	case GroupByParent:
		id, ok := strings.CutPrefix(scopeKey, parentScopePrefix)
		if !ok || id == "" {
			return fmt.Errorf("%w: %q is not a parent scope", ErrInvalidScope, scopeKey)
		}
		if id == Unassociated {
			id = ""
		}
		t.ParentID = id
	case GroupByAssignee:
		who, ok := strings.CutPrefix(scopeKey, assigneeScopePrefix)
		if !ok || who == "" {
			return fmt.Errorf("%w: %q is not an assignee scope", ErrInvalidScope, scopeKey)
		}
		if who == Unassigned {
			who = ""
		}
		t.Assignee = who
	default:
		raw, ok := strings.CutPrefix(scopeKey, statusScopePrefix)
		status := Status(raw)
		if !ok || !status.Valid() {
			return fmt.Errorf("%w: %q is not a status scope", ErrInvalidScope, scopeKey)
		}
		t.Status = status
	}
	t.ScopeKey = g.ScopeKey(*t)
	return nil
}

// Validate checks that scopeKey could be produced by this grouping.
func (g Grouping) Validate(scopeKey string) error {
	var probe Task
	return g.Place(&probe, scopeKey)
}
