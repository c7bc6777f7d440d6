package models

import (
	"regexp"

	"github.com/lib/pq"
)

// templateCodePattern matches the chain_templates.code column: upper-case letters and digits, at most 20.
var templateCodePattern = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

// ValidTemplateCode reports whether code can prefix generated document codes.
func ValidTemplateCode(code string) bool {
	return templateCodePattern.MatchString(code)
}

// ChainTemplate is the ordered list of required approver levels for a document classification.
type ChainTemplate struct {
	ID            int64         `json:"id" db:"id"`
	Code          string        `json:"code" db:"code"` // Prefix of generated document codes
	Name          string        `json:"name" db:"name"`
	Description   string        `json:"description,omitempty" db:"description"`
	Levels        pq.Int64Array `json:"levels" db:"levels"`                             // Minimum rank per chain position
	PayloadSchema RawJSON       `json:"payload_schema,omitempty" db:"payload_schema"` // Optional JSON Schema for Document.Payload
	IsActive      bool          `json:"is_active" db:"is_active"`
}
