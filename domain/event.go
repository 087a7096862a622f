package domain

// Reasons carried by OrderChanged events.
const (
	ReasonMoved    = "moved"
	ReasonCreated  = "created"
	ReasonDeleted  = "deleted"
	ReasonRespaced = "respaced"
)

// OrderChanged notifies consumers that the order of a scope has changed and
// should be fetched again.
type OrderChanged struct {
	OwnerID  string `json:"ownerId"`
	ScopeKey string `json:"scopeKey"`
	TaskID   string `json:"taskId,omitempty"`
	Reason   string `json:"reason"`
	Time     int64  `json:"time"`
}
