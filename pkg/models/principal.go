package models

type PrincipalStatus string

const (
	ActivePrincipalStatus   PrincipalStatus = "ACTIVE"
	InactivePrincipalStatus PrincipalStatus = "INACTIVE"
)

// Principal is an authenticated actor as issued by the identity collaborator.
type Principal struct {
	ID          int64           `json:"id" db:"id"`
	DisplayName string          `json:"display_name" db:"display_name"`
	RankLevel   int             `json:"rank_level" db:"rank_level"`
	Status      PrincipalStatus `json:"status" db:"status"`
}
