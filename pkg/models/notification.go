package models

import "time"

type NotificationKind string

const (
	NewRequestNotification NotificationKind = "NEW_REQUEST"
	ApprovedNotification   NotificationKind = "APPROVED"
	RejectedNotification   NotificationKind = "REJECTED"
)

// Notification is a persisted event addressed to one principal.
type Notification struct {
	ID          int64            `json:"id" db:"id"`
	PrincipalID int64            `json:"principal_id" db:"principal_id"`
	DocumentID  *int64           `json:"document_id,omitempty" db:"document_id"`
	Kind        NotificationKind `json:"kind" db:"kind"`
	Title       string           `json:"title" db:"title"`
	Message     string           `json:"message" db:"message"`
	IsRead      bool             `json:"is_read" db:"is_read"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	PushedAt    *time.Time       `json:"pushed_at,omitempty" db:"pushed_at"` // Last successful live push
	PushError   string           `json:"-" db:"push_error"`                  // Last live push failure
}
