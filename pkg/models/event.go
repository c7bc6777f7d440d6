package models

import "time"

const (
	NewNotificationEvent = "new_notification"
	DocumentUpdatedEvent = "document_updated"
)

// LiveEvent is the payload handed to the live transport. It is never persisted.
type LiveEvent struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	DocumentID     int64            `json:"document_id"`
	NotificationID int64            `json:"notification_id,omitempty"`
	Kind           NotificationKind `json:"kind,omitempty"`
	Title          string           `json:"title,omitempty"`
	Status         DocumentStatus   `json:"status,omitempty"`
	Position       int              `json:"position,omitempty"`
	ActorID        int64            `json:"actor_id,omitempty"`
	ActorName      string           `json:"actor_name,omitempty"`
	Decision       Decision         `json:"decision,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
