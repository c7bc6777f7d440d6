package storage

import (
	"context"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
)

// Store defines the storage operations for GoApprove.
// A Store returned by Begin runs every call inside one transaction that ends with Commit or Rollback.
type Store interface {
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	PrincipalDirectory

	// Principal operations
	SavePrincipal(ctx context.Context, p models.Principal) (int64, error)
	GetPrincipal(ctx context.Context, id int64) (models.Principal, error)

	// Chain template operations; SaveTemplate upserts by code
	SaveTemplate(ctx context.Context, t models.ChainTemplate) (int64, error)
	GetTemplate(ctx context.Context, id int64) (models.ChainTemplate, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]models.ChainTemplate, error)

	// Document operations
	CountDocumentsByCodePrefix(ctx context.Context, prefix string) (int, error)
	SaveDocument(ctx context.Context, d models.Document) (int64, error)
	GetDocument(ctx context.Context, id int64) (models.Document, error)
	LockDocument(ctx context.Context, id int64) (models.Document, error)
	AdvanceDocument(ctx context.Context, id int64, position int) error
	CompleteDocument(ctx context.Context, id int64, status models.DocumentStatus, completedAt time.Time) error

	// Step operations
	SaveStep(ctx context.Context, s models.Step) (int64, error)
	ListSteps(ctx context.Context, documentID int64) ([]models.Step, error)
	DecideActiveStep(ctx context.Context, documentID, approverID int64, decision models.Decision, comment string, decidedAt time.Time) (models.Step, error)
	ActivateStep(ctx context.Context, documentID int64, position int) (models.Step, error)

	// Notification operations
	SaveNotification(ctx context.Context, n models.Notification) (int64, error)
	GetNotification(ctx context.Context, id int64) (models.Notification, error)
	ListNotifications(ctx context.Context, principalID int64, unreadOnly bool) ([]models.Notification, error)
	ListUndelivered(ctx context.Context, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, principalID int64) (int, error)
	MarkNotificationRead(ctx context.Context, id, principalID int64) error
	MarkAllNotificationsRead(ctx context.Context, principalID int64) (int64, error)
	RecordPush(ctx context.Context, id int64, pushedAt *time.Time, pushErr string) error
}

// PrincipalDirectory is the read-only view of the identity collaborator used for approver resolution.
type PrincipalDirectory interface {
	// ListEligiblePrincipals returns active principals with rank_level >= minLevel.
	ListEligiblePrincipals(ctx context.Context, minLevel int) ([]models.Principal, error)
}
