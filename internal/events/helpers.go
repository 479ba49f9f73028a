package events

import (
	"strings"

	"github.com/google/uuid"
)

// Event types
const (
	EventCostRecorded = "cost.recorded"
)

// SchemaVersion is bumped on incompatible payload changes
const SchemaVersion = "1.0"

// BaseEvent is the envelope shared by every published event
type BaseEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Source  string `json:"source"`
	UserID  string `json:"user_id"`
	Version string `json:"version"`
}

// NewBaseEvent creates a new base event with defaults
func NewBaseEvent(eventType, source, userID string) BaseEvent {
	return BaseEvent{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  source,
		UserID:  userID,
		Version: SchemaVersion,
	}
}

// SanitizeUTF8 drops invalid UTF-8 bytes. Provider error bodies end up in
// error summaries and are not guaranteed to be valid text.
func SanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}
