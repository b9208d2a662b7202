package settlement

import (
	"context"
	"strconv"

	"github.com/trumarket/backend/internal/models"
)

// Backend provisions and drives the escrow that backs a deal. Implementations
// write their linkage fields onto the deal; callers persist the deal after
// each operation.
type Backend interface {
	// Kind is the settlement tag stamped on deals this backend created.
	Kind() string

	// CreateDealEscrow provisions the escrow for a freshly confirmed deal
	// and fills the deal's linkage fields.
	CreateDealEscrow(ctx context.Context, deal *models.Deal) error

	// PayMilestone releases the funds share of an approved milestone to the
	// borrower and returns the settlement transaction hash.
	PayMilestone(ctx context.Context, deal *models.Deal, milestoneIndex int) (string, error)

	// MarkCompleted closes the escrow after the final milestone.
	MarkCompleted(ctx context.Context, deal *models.Deal) (string, error)
}

// ForDeal picks the backend matching the deal's settlement tag, falling back
// to def for legacy rows created before the tag existed.
func ForDeal(deal *models.Deal, backends map[string]Backend, def Backend) Backend {
	if b, ok := backends[deal.SettlementKind]; ok {
		return b
	}
	return def
}

// PayoutAmount computes a milestone release from the live escrow balance.
// The share is a percentage of whatever the vault holds at release time, not
// of the original investment, so under- and over-funded vaults pay out
// proportionally.
func PayoutAmount(vaultBalance, fundsDistribution float64) string {
	return strconv.FormatFloat(vaultBalance*fundsDistribution/100, 'f', 6, 64)
}
