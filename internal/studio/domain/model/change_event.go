package model

import "time"

// ChangeType is the kind of mutation a change event reports.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a push notification that a record in Collection changed.
type ChangeEvent struct {
	Collection Collection `json:"collection"`
	Type       ChangeType `json:"type"`
	RecordID   string     `json:"record_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
