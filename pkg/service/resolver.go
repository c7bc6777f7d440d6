package service

import (
	"context"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
)

// ApproverResolver picks the approver for one chain position: among active principals whose
// rank_level is at least the required level, the one with the smallest rank_level, lowest id first.
// Seniority beyond the required level is not preferred.
type ApproverResolver struct{}

// Resolve returns nil without error when nobody qualifies.
func (ApproverResolver) Resolve(ctx context.Context, dir storage.PrincipalDirectory, level int) (*models.Principal, error) {
	candidates, err := dir.ListEligiblePrincipals(ctx, level)
	if err != nil {
		return nil, err
	}
	var best *models.Principal
	for i := range candidates {
		c := &candidates[i]
		if c.Status != models.ActivePrincipalStatus || c.RankLevel < level {
			continue
		}
		if best == nil || c.RankLevel < best.RankLevel || (c.RankLevel == best.RankLevel && c.ID < best.ID) {
			best = c
		}
	}
	return best, nil
}
