package models

import "time"

type Decision string

const (
	ApproveDecision Decision = "APPROVE"
	RejectDecision  Decision = "REJECT"
)

func (d Decision) Valid() bool {
	return d == ApproveDecision || d == RejectDecision
}

// Step is one required decision in a document's chain.
type Step struct {
	ID         int64      `json:"id" db:"id"`
	DocumentID int64      `json:"document_id" db:"document_id"`           // Owning document
	Position   int        `json:"position" db:"position"`                 // 1..total_positions, gapless
	ApproverID *int64     `json:"approver_id,omitempty" db:"approver_id"` // Resolved once; nil when nobody qualified
	Decision   *Decision  `json:"decision,omitempty" db:"decision"`       // Nil until decided
	Comment    string     `json:"comment,omitempty" db:"comment"`         // Required for REJECT
	DecidedAt  *time.Time `json:"decided_at,omitempty" db:"decided_at"`   // Non-nil iff Decision is non-nil
	IsActive   bool       `json:"is_active" db:"is_active"`               // At most one per document
}

// Decided reports whether the step has left the undecided state.
func (s Step) Decided() bool {
	return s.Decision != nil
}
