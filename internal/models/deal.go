package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Deal statuses
const (
	DealStatusProposal  = "proposal"
	DealStatusConfirmed = "confirmed"
	DealStatusFinished  = "finished"
	DealStatusRepaid    = "repaid"
	DealStatusCancelled = "cancelled"
)

// Milestone progress statuses
const (
	MilestoneStatusInProgress   = "in progress"
	MilestoneStatusNotCompleted = "not completed"
	MilestoneStatusCompleted    = "completed"
)

// Milestone approval statuses
const (
	MilestoneApprovalPending   = "pending"
	MilestoneApprovalSubmitted = "submitted"
	MilestoneApprovalApproved  = "approved"
	MilestoneApprovalDenied    = "denied"
)

// Settlement backends. The kind is stored on the deal at creation so dispatch
// stays correct even if the process-wide default changes later.
const (
	SettlementKindEVM  = "evm"
	SettlementKindXRPL = "xrpl"
)

// Valid state transitions: from -> []to
var ValidDealTransitions = map[string][]string{
	DealStatusProposal:  {DealStatusConfirmed, DealStatusCancelled},
	DealStatusConfirmed: {DealStatusFinished},
	DealStatusFinished:  {DealStatusRepaid},
	DealStatusRepaid:    {},
	DealStatusCancelled: {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidDealTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

type DocumentFile struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	SeenByUsers []string `json:"seenByUsers,omitempty"`
	Seen        bool     `json:"seen,omitempty"`
}

type Milestone struct {
	ID                string         `json:"id"`
	Description       string         `json:"description"`
	FundsDistribution float64        `json:"fundsDistribution"` // percentage of escrowed funds
	Docs              []DocumentFile `json:"docs"`
	Status            string         `json:"status,omitempty"`
	ApprovalStatus    string         `json:"approvalStatus"`
}

type Participant struct {
	ID            string `json:"id,omitempty"` // empty until the invitee registers
	Email         string `json:"email"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Approved      bool   `json:"approved"`
	New           bool   `json:"new"`
}

type Company struct {
	Name    string `json:"name"`
	Country string `json:"country"`
	TaxID   string `json:"taxId"`
}

type Deal struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CoverImageURL  string    `json:"coverImageUrl,omitempty"`
	Status         string    `json:"status"`
	SettlementKind string    `json:"settlementKind"`

	Buyers    []Participant `json:"buyers"`
	Suppliers []Participant `json:"suppliers"`

	Milestones       []Milestone `json:"milestones"`
	CurrentMilestone int         `json:"currentMilestone"`

	// EVM settlement linkage
	NftID        *int64 `json:"nftID,omitempty"`
	MintTxHash   string `json:"mintTxHash,omitempty"`
	VaultAddress string `json:"vaultAddress,omitempty"`

	// XRPL settlement linkage; seeds are AES-GCM sealed, never stored raw
	XrplVaultAddress    string `json:"xrplVaultAddress,omitempty"`
	XrplVaultSeedEnc    string `json:"-"`
	XrplBorrowerAddress string `json:"xrplBorrowerAddress,omitempty"`
	XrplBorrowerSeedEnc string `json:"-"`

	// shipping details
	Origin                  string     `json:"origin,omitempty"`
	Destination             string     `json:"destination,omitempty"`
	PortOfOrigin            string     `json:"portOfOrigin,omitempty"`
	PortOfDestination       string     `json:"portOfDestination,omitempty"`
	Transport               string     `json:"transport,omitempty"`
	Quality                 string     `json:"quality,omitempty"`
	Variety                 string     `json:"variety,omitempty"`
	Quantity                float64    `json:"quantity,omitempty"`
	OfferUnitPrice          float64    `json:"offerUnitPrice,omitempty"`
	TotalValue              float64    `json:"totalValue,omitempty"`
	ShippingStartDate       *time.Time `json:"shippingStartDate,omitempty"`
	ExpectedShippingEndDate *time.Time `json:"expectedShippingEndDate,omitempty"`

	// financial snapshot, reporting only
	InvestmentAmount float64 `json:"investmentAmount"`
	Revenue          float64 `json:"revenue,omitempty"`
	NetBalance       float64 `json:"netBalance,omitempty"`
	ROI              float64 `json:"roi,omitempty"`

	BuyerCompany    *Company `json:"buyerCompany,omitempty"`
	SupplierCompany *Company `json:"supplierCompany,omitempty"`

	Docs         []DocumentFile `json:"docs"`
	IsPublished  bool           `json:"isPublished"`
	NewDocuments bool           `json:"newDocuments"`
	New          bool           `json:"new,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participants returns buyers followed by suppliers.
func (d *Deal) Participants() []Participant {
	out := make([]Participant, 0, len(d.Buyers)+len(d.Suppliers))
	out = append(out, d.Buyers...)
	out = append(out, d.Suppliers...)
	return out
}

// ParticipantIDs returns the set of registered participant ids. Invitees
// without an id are excluded: they cannot act on the deal until they sign up.
func (d *Deal) ParticipantIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, p := range d.Participants() {
		if p.ID != "" {
			ids[p.ID] = struct{}{}
		}
	}
	return ids
}

func (d *Deal) HasParticipant(userID string) bool {
	_, ok := d.ParticipantIDs()[userID]
	return ok
}

func (d *Deal) HasBuyer(userID string) bool {
	for _, b := range d.Buyers {
		if b.ID != "" && b.ID == userID {
			return true
		}
	}
	return false
}

func (d *Deal) HasSupplier(userID string) bool {
	for _, s := range d.Suppliers {
		if s.ID != "" && s.ID == userID {
			return true
		}
	}
	return false
}

// AllApproved reports whether every buyer and supplier has approved the deal.
func (d *Deal) AllApproved() bool {
	for _, p := range d.Participants() {
		if !p.Approved {
			return false
		}
	}
	return len(d.Buyers)+len(d.Suppliers) > 0
}

// ApplyApproval marks the caller's participant entries approved and no longer
// new, then reports whether the deal reached unanimous approval.
func (d *Deal) ApplyApproval(userID string) bool {
	for i := range d.Buyers {
		if d.Buyers[i].ID == userID {
			d.Buyers[i].Approved = true
			d.Buyers[i].New = false
		}
	}
	for i := range d.Suppliers {
		if d.Suppliers[i].ID == userID {
			d.Suppliers[i].Approved = true
			d.Suppliers[i].New = false
		}
	}
	return d.AllApproved()
}

// ResetApprovals clears every approval except the editor's own. Any edit to a
// proposal restarts the unanimous-approval requirement.
func (d *Deal) ResetApprovals(editorID string) {
	for i := range d.Buyers {
		d.Buyers[i].Approved = d.Buyers[i].ID == editorID
	}
	for i := range d.Suppliers {
		d.Suppliers[i].Approved = d.Suppliers[i].ID == editorID
	}
}

// MilestoneIndexByID returns the position of a milestone or -1.
func (d *Deal) MilestoneIndexByID(milestoneID string) int {
	for i, m := range d.Milestones {
		if m.ID == milestoneID {
			return i
		}
	}
	return -1
}

// CheckNextMilestone validates that next is exactly the milestone after the
// current one and within bounds.
func (d *Deal) CheckNextMilestone(next int) error {
	if next < 0 || next >= len(d.Milestones) || d.CurrentMilestone+1 != next {
		return fmt.Errorf("cannot update milestone: the next milestone to update is milestone %d", d.CurrentMilestone+1)
	}
	return nil
}

// IsLastMilestone reports whether index is the final milestone, whose approval
// moves the deal to finished.
func (d *Deal) IsLastMilestone(index int) bool {
	return len(d.Milestones) > 0 && index == len(d.Milestones)-1
}

// HasEVMLinkage reports whether EVM settlement fields were populated.
func (d *Deal) HasEVMLinkage() bool {
	return d.NftID != nil
}

// HasXRPLLinkage reports whether ledger settlement fields were populated.
func (d *Deal) HasXRPLLinkage() bool {
	return d.XrplVaultAddress != "" && d.XrplBorrowerAddress != ""
}

// ApprovalSignatureMessage is the canonical message a buyer signs to advance
// a milestone on the EVM path.
func ApprovalSignatureMessage(next int, nftID int64) string {
	return fmt.Sprintf("Approve milestone %d of deal %d", next, nftID)
}
