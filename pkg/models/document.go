package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DocumentStatus string

const (
	PendingDocumentStatus  DocumentStatus = "PENDING"
	ApprovedDocumentStatus DocumentStatus = "APPROVED"
	RejectedDocumentStatus DocumentStatus = "REJECTED"
)

// IsTerminal reports whether no further step transitions are permitted.
func (s DocumentStatus) IsTerminal() bool {
	return s == ApprovedDocumentStatus || s == RejectedDocumentStatus
}

type Priority string

const (
	LowPriority    Priority = "LOW"
	NormalPriority Priority = "NORMAL"
	HighPriority   Priority = "HIGH"
	UrgentPriority Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case LowPriority, NormalPriority, HighPriority, UrgentPriority:
		return true
	}
	return false
}

const DefaultCurrency = "USD"

// Document is one workflow instance moving through its approval chain.
type Document struct {
	ID              int64               `json:"id" db:"id"`                             // PostgreSQL auto-increment
	Code            string              `json:"code" db:"code"`                         // e.g. "PO-20250115-001", unique
	TemplateID      int64               `json:"template_id" db:"template_id"`           // Chain template in use
	Title           string              `json:"title" db:"title"`                       // Human readable title
	Content         string              `json:"content" db:"content"`                   // Free-form body
	Amount          decimal.NullDecimal `json:"amount" db:"amount"`                     // Optional monetary amount
	Currency        string              `json:"currency" db:"currency"`                 // ISO 4217, defaults to USD
	Priority        Priority            `json:"priority" db:"priority"`                 // LOW, NORMAL, HIGH, URGENT
	Payload         RawJSON             `json:"payload,omitempty" db:"payload"`         // Classification-specific, opaque
	RequesterID     int64               `json:"requester_id" db:"requester_id"`         // Principal that submitted
	Status          DocumentStatus      `json:"status" db:"status"`                     // PENDING, APPROVED, REJECTED
	CurrentPosition int                 `json:"current_position" db:"current_position"` // 1-indexed pointer into steps
	TotalPositions  int                 `json:"total_positions" db:"total_positions"`   // Chain length, fixed at creation
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty" db:"completed_at"` // Null until terminal
	Steps           []Step              `json:"steps,omitempty" db:"-"`                   // Populated on detail reads
}
