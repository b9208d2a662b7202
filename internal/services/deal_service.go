package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/apperrors"
	"github.com/trumarket/backend/internal/blockchain"
	"github.com/trumarket/backend/internal/config"
	"github.com/trumarket/backend/internal/events"
	"github.com/trumarket/backend/internal/models"
	"github.com/trumarket/backend/internal/repositories"
	"github.com/trumarket/backend/internal/settlement"
)

// DealStore is the deal persistence surface the service needs.
type DealStore interface {
	Create(ctx context.Context, d *models.Deal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	WithDealLocked(ctx context.Context, id uuid.UUID, fn func(d *models.Deal) error) (*models.Deal, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetEVMLinkage(ctx context.Context, id uuid.UUID, nftID int64, mintTxHash, vaultAddress string) error
	SetXRPLLinkage(ctx context.Context, id uuid.UUID, d *models.Deal) error
	List(ctx context.Context, f repositories.DealFilter) ([]models.Deal, error)
	Count(ctx context.Context, f repositories.DealFilter) (int64, error)
	ListByInviteeEmail(ctx context.Context, email string) ([]models.Deal, error)
}

type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateCompany(ctx context.Context, id uuid.UUID, company *models.Company) error
}

type DealLogStore interface {
	ListByDealID(ctx context.Context, dealID int64) ([]models.DealLog, error)
	CreateSyncJob(ctx context.Context, j *models.SyncLogJob) error
	DeactivateSyncJob(ctx context.Context, contract string) error
}

type DealService struct {
	dealRepo    DealStore
	userRepo    UserDirectory
	dealLogRepo DealLogStore
	backends    map[string]settlement.Backend
	defBackend  settlement.Backend
	notifier    *NotifierClient
	finance     *FinanceClient
	publisher   events.Publisher
	cfg         *config.Config
	log         *zap.Logger
}

func NewDealService(
	dealRepo DealStore,
	userRepo UserDirectory,
	dealLogRepo DealLogStore,
	backends map[string]settlement.Backend,
	defBackend settlement.Backend,
	notifier *NotifierClient,
	finance *FinanceClient,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *DealService {
	return &DealService{
		dealRepo:    dealRepo,
		userRepo:    userRepo,
		dealLogRepo: dealLogRepo,
		backends:    backends,
		defBackend:  defBackend,
		notifier:    notifier,
		finance:     finance,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

func (s *DealService) backendFor(deal *models.Deal) settlement.Backend {
	return settlement.ForDeal(deal, s.backends, s.defBackend)
}

// publish pushes a deal event to the redis stream for websocket fan-out.
func (s *DealService) publish(ctx context.Context, eventType string, deal *models.Deal, extra map[string]any) {
	participants := make([]string, 0, 4)
	for id := range deal.ParticipantIDs() {
		participants = append(participants, id)
	}
	payload := map[string]any{
		"deal_id":      deal.ID.String(),
		"status":       deal.Status,
		"participants": participants,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.publisher.Publish(ctx, events.StreamDeals, events.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("publish deal event failed", zap.String("event", eventType), zap.Error(err))
	}
}

// notify fans a deal event out to every registered participant except the actor.
func (s *DealService) notify(ctx context.Context, eventType string, deal *models.Deal, actorID string, data map[string]any) {
	var recipients []string
	for id := range deal.ParticipantIDs() {
		if id != actorID {
			recipients = append(recipients, id)
		}
	}
	if err := s.notifier.Notify(ctx, eventType, deal.ID.String(), recipients, data); err != nil {
		s.log.Warn("notification failed", zap.String("event", eventType), zap.Error(err))
	}
}

// CreateDeal registers a new proposal. The creator must appear on their own
// side of the deal and starts as the only approver; everyone else has to
// confirm before settlement is provisioned.
func (s *DealService) CreateDeal(ctx context.Context, creator *models.User, deal *models.Deal) (*models.Deal, error) {
	if len(deal.Milestones) == 0 {
		return nil, apperrors.BadRequest("A deal requires at least one milestone")
	}
	var totalPct float64
	for i := range deal.Milestones {
		if deal.Milestones[i].ID == "" {
			deal.Milestones[i].ID = uuid.NewString()
		}
		deal.Milestones[i].ApprovalStatus = models.MilestoneApprovalPending
		deal.Milestones[i].Status = ""
		if deal.Milestones[i].Docs == nil {
			deal.Milestones[i].Docs = []models.DocumentFile{}
		}
		totalPct += deal.Milestones[i].FundsDistribution
	}
	if totalPct != 100 {
		return nil, apperrors.BadRequest("Milestone funds distribution must sum to 100")
	}
	if len(deal.Buyers) == 0 || len(deal.Suppliers) == 0 {
		return nil, apperrors.BadRequest("A deal requires at least one buyer and one supplier")
	}

	deal.Status = models.DealStatusProposal
	deal.SettlementKind = s.cfg.SettlementKind()
	deal.CurrentMilestone = 0
	deal.IsPublished = false

	if err := s.attachParticipants(ctx, deal, creator); err != nil {
		return nil, err
	}

	if err := s.dealRepo.Create(ctx, deal); err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}

	// the creator's company details on the deal become their profile company
	company := deal.BuyerCompany
	if creator.AccountType == models.AccountTypeSupplier {
		company = deal.SupplierCompany
	}
	if company != nil {
		if err := s.userRepo.UpdateCompany(ctx, creator.ID, company); err != nil {
			s.log.Warn("persist creator company failed",
				zap.String("user_id", creator.ID.String()), zap.Error(err))
		}
	}

	s.publish(ctx, events.EventNewProposal, deal, nil)
	s.notify(ctx, events.EventNewProposal, deal, creator.ID.String(), map[string]any{"name": deal.Name})
	s.inviteUnregistered(ctx, deal)
	return deal, nil
}

// attachParticipants resolves emails to registered accounts and verifies the
// creator sits on the side matching their account type.
func (s *DealService) attachParticipants(ctx context.Context, deal *models.Deal, creator *models.User) error {
	resolve := func(side []models.Participant) error {
		for i := range side {
			u, err := s.userRepo.GetByEmail(ctx, side[i].Email)
			if err != nil {
				side[i].ID = ""
				side[i].New = true
				continue
			}
			side[i].ID = u.ID.String()
			side[i].WalletAddress = u.WalletAddress
			side[i].New = u.ID != creator.ID
			side[i].Approved = u.ID == creator.ID
		}
		return nil
	}
	if err := resolve(deal.Buyers); err != nil {
		return err
	}
	if err := resolve(deal.Suppliers); err != nil {
		return err
	}

	switch creator.AccountType {
	case models.AccountTypeBuyer:
		if !deal.HasBuyer(creator.ID.String()) {
			return apperrors.Forbidden("Deal creator must be listed as a buyer")
		}
	case models.AccountTypeSupplier:
		if !deal.HasSupplier(creator.ID.String()) {
			return apperrors.Forbidden("Deal creator must be listed as a supplier")
		}
	default:
		return apperrors.Forbidden("Only buyers and suppliers can create deals")
	}
	return nil
}

func (s *DealService) inviteUnregistered(ctx context.Context, deal *models.Deal) {
	for _, p := range deal.Participants() {
		if p.ID != "" {
			continue
		}
		if err := s.notifier.InviteToSignup(ctx, p.Email, deal.ID.String(), deal.Name); err != nil {
			s.log.Warn("signup invitation failed", zap.String("email", p.Email), zap.Error(err))
		}
	}
}

// GetDeal returns a deal the caller is allowed to see: participants always,
// investors only once the deal is published.
func (s *DealService) GetDeal(ctx context.Context, userID, accountType string, dealID uuid.UUID) (*models.Deal, error) {
	deal, err := s.dealRepo.GetByID(ctx, dealID)
	if err != nil {
		return nil, apperrors.BadRequest("Deal not found")
	}
	if err := s.canView(deal, userID, accountType); err != nil {
		return nil, err
	}
	return deal, nil
}

func (s *DealService) canView(deal *models.Deal, userID, accountType string) error {
	if deal.HasParticipant(userID) {
		return nil
	}
	if accountType == models.AccountTypeInvestor && deal.IsPublished {
		return nil
	}
	return apperrors.Forbidden("You do not have access to this deal")
}

// ListDeals returns the caller's deals; investors get the published set.
func (s *DealService) ListDeals(ctx context.Context, userID, accountType string, status *string, limit, offset int) ([]models.Deal, int64, error) {
	f := repositories.DealFilter{Status: status, Limit: limit, Offset: offset}
	if accountType == models.AccountTypeInvestor {
		published := true
		f.Published = &published
	} else {
		f.UserID = &userID
	}
	deals, err := s.dealRepo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.dealRepo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return deals, total, nil
}

// UpdateDealChanges is the mutable subset of a proposal.
type UpdateDealChanges struct {
	Name              *string
	Description       *string
	CoverImageURL     *string
	Origin            *string
	Destination       *string
	PortOfOrigin      *string
	PortOfDestination *string
	Transport         *string
	Quality           *string
	Variety           *string
	Quantity          *float64
	OfferUnitPrice    *float64
	TotalValue        *float64
	InvestmentAmount  *float64
	Milestones        []models.Milestone
	Revenue           *float64
	NetBalance        *float64
	ROI               *float64
}

func (c UpdateDealChanges) isEmpty() bool {
	return c.Name == nil && c.Description == nil && c.CoverImageURL == nil &&
		c.Origin == nil && c.Destination == nil &&
		c.PortOfOrigin == nil && c.PortOfDestination == nil &&
		c.Transport == nil && c.Quality == nil && c.Variety == nil &&
		c.Quantity == nil && c.OfferUnitPrice == nil &&
		c.TotalValue == nil && c.InvestmentAmount == nil &&
		c.Milestones == nil &&
		c.Revenue == nil && c.NetBalance == nil && c.ROI == nil
}

// UpdateDeal edits a proposal. Any change resets every approval except the
// editor's, so the other side has to re-confirm what they are agreeing to.
// An empty payload is rejected rather than burning the approvals for nothing.
func (s *DealService) UpdateDeal(ctx context.Context, userID string, dealID uuid.UUID, changes UpdateDealChanges) (*models.Deal, error) {
	if changes.isEmpty() {
		return nil, apperrors.BadRequest("No data to update")
	}
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		if d.Status != models.DealStatusProposal {
			return apperrors.BadRequest("Only proposals can be edited")
		}

		applyString := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		applyFloat := func(dst *float64, src *float64) {
			if src != nil {
				*dst = *src
			}
		}
		applyString(&d.Name, changes.Name)
		applyString(&d.Description, changes.Description)
		applyString(&d.CoverImageURL, changes.CoverImageURL)
		applyString(&d.Origin, changes.Origin)
		applyString(&d.Destination, changes.Destination)
		applyString(&d.PortOfOrigin, changes.PortOfOrigin)
		applyString(&d.PortOfDestination, changes.PortOfDestination)
		applyString(&d.Transport, changes.Transport)
		applyString(&d.Quality, changes.Quality)
		applyString(&d.Variety, changes.Variety)
		applyFloat(&d.Quantity, changes.Quantity)
		applyFloat(&d.OfferUnitPrice, changes.OfferUnitPrice)
		applyFloat(&d.TotalValue, changes.TotalValue)
		applyFloat(&d.InvestmentAmount, changes.InvestmentAmount)
		applyFloat(&d.Revenue, changes.Revenue)
		applyFloat(&d.NetBalance, changes.NetBalance)
		applyFloat(&d.ROI, changes.ROI)

		if changes.Milestones != nil {
			var totalPct float64
			for i := range changes.Milestones {
				if changes.Milestones[i].ID == "" {
					changes.Milestones[i].ID = uuid.NewString()
				}
				changes.Milestones[i].ApprovalStatus = models.MilestoneApprovalPending
				if changes.Milestones[i].Docs == nil {
					changes.Milestones[i].Docs = []models.DocumentFile{}
				}
				totalPct += changes.Milestones[i].FundsDistribution
			}
			if totalPct != 100 {
				return apperrors.BadRequest("Milestone funds distribution must sum to 100")
			}
			d.Milestones = changes.Milestones
		}

		d.ResetApprovals(userID)
		for i := range d.Buyers {
			if d.Buyers[i].ID != userID {
				d.Buyers[i].New = true
			}
		}
		for i := range d.Suppliers {
			if d.Suppliers[i].ID != userID {
				d.Suppliers[i].New = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventChangesInProposal, deal, nil)
	s.notify(ctx, events.EventChangesInProposal, deal, userID, map[string]any{"name": deal.Name})
	return deal, nil
}

// ConfirmDeal records the caller's approval. The approval, the unanimity
// check and the status flip run under one row lock, so two last approvers
// cannot both observe a non-unanimous state. The deal becomes confirmed the
// moment the set completes; escrow provisioning is a separate step that only
// runs when automatic acceptance is enabled, and its failure does not undo
// the confirmation.
func (s *DealService) ConfirmDeal(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	var becameUnanimous bool
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		if d.Status != models.DealStatusProposal {
			return apperrors.BadRequest("Only proposals can be confirmed")
		}
		if becameUnanimous = d.ApplyApproval(userID); becameUnanimous {
			d.Status = models.DealStatusConfirmed
			d.CurrentMilestone = 0
			if len(d.Milestones) > 0 {
				d.Milestones[0].Status = models.MilestoneStatusInProgress
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// every recorded approval is announced, not just the completing one
	s.publish(ctx, events.EventDealConfirmed, deal, nil)
	s.notify(ctx, events.EventDealConfirmed, deal, "", map[string]any{"name": deal.Name})

	if becameUnanimous {
		if err := s.finance.CreateActivity(ctx, deal.ID.String(), "deal_confirmed", "Deal confirmed by all participants"); err != nil {
			s.log.Warn("finance activity failed", zap.Error(err))
		}
		if s.cfg.AutomaticDealsAcceptance && len(deal.Buyers) > 0 {
			if err := s.provisionEscrow(ctx, deal); err != nil {
				s.log.Error("escrow provisioning failed",
					zap.String("deal_id", deal.ID.String()),
					zap.Error(err))
			}
		}
	}
	return deal, nil
}

// provisionEscrow creates the settlement escrow for a confirmed deal and
// records the linkage. The linkage columns are written exactly once, a
// retried provisioning cannot overwrite a live escrow.
func (s *DealService) provisionEscrow(ctx context.Context, deal *models.Deal) error {
	backend := s.backendFor(deal)
	if err := backend.CreateDealEscrow(ctx, deal); err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}

	switch backend.Kind() {
	case models.SettlementKindEVM:
		if err := s.dealRepo.SetEVMLinkage(ctx, deal.ID, *deal.NftID, deal.MintTxHash, deal.VaultAddress); err != nil {
			return fmt.Errorf("record escrow linkage: %w", err)
		}
		if err := s.dealLogRepo.CreateSyncJob(ctx, &models.SyncLogJob{
			Contract: deal.VaultAddress,
			DealID:   *deal.NftID,
			Active:   true,
		}); err != nil {
			s.log.Warn("register vault sync job failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
		}
	case models.SettlementKindXRPL:
		if err := s.dealRepo.SetXRPLLinkage(ctx, deal.ID, deal); err != nil {
			return fmt.Errorf("record escrow linkage: %w", err)
		}
	}

	s.log.Info("deal escrow provisioned",
		zap.String("deal_id", deal.ID.String()),
		zap.String("kind", backend.Kind()))
	return nil
}

// CancelDeal withdraws a proposal. Confirmed deals cannot be cancelled, the
// escrow already exists.
func (s *DealService) CancelDeal(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		if !models.IsValidTransition(d.Status, models.DealStatusCancelled) {
			return apperrors.BadRequest("Only proposals can be cancelled")
		}
		d.Status = models.DealStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventProposalCancelled, deal, nil)
	s.notify(ctx, events.EventProposalCancelled, deal, userID, map[string]any{"name": deal.Name})
	return deal, nil
}

// DeleteDeal removes a proposal entirely.
func (s *DealService) DeleteDeal(ctx context.Context, userID string, dealID uuid.UUID) error {
	deal, err := s.dealRepo.GetByID(ctx, dealID)
	if err != nil {
		return apperrors.BadRequest("Deal not found")
	}
	if !deal.HasParticipant(userID) {
		return apperrors.Forbidden("You do not have access to this deal")
	}
	if deal.Status != models.DealStatusProposal {
		return apperrors.BadRequest("Only proposals can be deleted")
	}
	return s.dealRepo.Delete(ctx, dealID)
}

// PublishDeal exposes a confirmed deal to investors and mirrors it into the
// finance application.
func (s *DealService) PublishDeal(ctx context.Context, dealID uuid.UUID, published bool) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if d.Status == models.DealStatusProposal || d.Status == models.DealStatusCancelled {
			return apperrors.BadRequest("Only confirmed deals can be published")
		}
		d.IsPublished = published
		return nil
	})
	if err != nil {
		return nil, err
	}

	if published {
		if err := s.finance.PublishShipment(ctx, deal); err != nil {
			s.log.Warn("publish shipment to finance app failed",
				zap.String("deal_id", deal.ID.String()), zap.Error(err))
		}
	}
	return deal, nil
}

// SubmitMilestone is the supplier requesting buyer sign-off on the milestone
// in progress. Denied milestones can be resubmitted.
func (s *DealService) SubmitMilestone(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasSupplier(userID) {
			return apperrors.Forbidden("Only the supplier can submit a milestone")
		}
		if d.Status != models.DealStatusConfirmed {
			return apperrors.BadRequest("Deal is not in progress")
		}
		m := &d.Milestones[d.CurrentMilestone]
		if m.ApprovalStatus != models.MilestoneApprovalPending && m.ApprovalStatus != models.MilestoneApprovalDenied {
			return apperrors.BadRequest("Milestone was already submitted")
		}
		m.ApprovalStatus = models.MilestoneApprovalSubmitted
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventMilestoneApprovalRequested, deal, map[string]any{"milestone": deal.CurrentMilestone})
	s.notify(ctx, events.EventMilestoneApprovalRequested, deal, userID, map[string]any{
		"name":      deal.Name,
		"milestone": deal.CurrentMilestone,
	})
	return deal, nil
}

// DenyMilestone sends a submitted milestone back to the supplier.
func (s *DealService) DenyMilestone(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasBuyer(userID) {
			return apperrors.Forbidden("Only the buyer can deny a milestone")
		}
		if d.Status != models.DealStatusConfirmed {
			return apperrors.BadRequest("Deal is not in progress")
		}
		m := &d.Milestones[d.CurrentMilestone]
		if m.ApprovalStatus != models.MilestoneApprovalSubmitted {
			return apperrors.BadRequest("Milestone is not awaiting approval")
		}
		m.ApprovalStatus = models.MilestoneApprovalDenied
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventMilestoneDenied, deal, map[string]any{"milestone": deal.CurrentMilestone})
	s.notify(ctx, events.EventMilestoneDenied, deal, userID, map[string]any{
		"name":      deal.Name,
		"milestone": deal.CurrentMilestone,
	})
	return deal, nil
}

// ApproveMilestone is the buyer signing off a submitted milestone review.
// The approval releases that milestone's funds share to the borrower;
// approving the last milestone also finishes the deal. The milestone pointer
// does not move here, that is UpdateCurrentMilestone's job.
func (s *DealService) ApproveMilestone(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	var approvedIdx int
	var finished bool
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasBuyer(userID) {
			return apperrors.Forbidden("Only the buyer can approve a milestone")
		}
		if d.Status != models.DealStatusConfirmed {
			return apperrors.BadRequest("Deal is not in progress")
		}
		if d.SettlementKind == models.SettlementKindEVM && d.NftID == nil {
			return apperrors.BadRequest("Deal NFT must be minted first")
		}

		idx := d.CurrentMilestone
		m := &d.Milestones[idx]
		if m.ApprovalStatus != models.MilestoneApprovalSubmitted {
			return apperrors.BadRequest("Milestone review was not submitted")
		}

		m.ApprovalStatus = models.MilestoneApprovalApproved
		m.Status = models.MilestoneStatusCompleted
		approvedIdx = idx

		if d.IsLastMilestone(idx) {
			if !models.IsValidTransition(d.Status, models.DealStatusFinished) {
				return apperrors.BadRequest("Deal cannot be finished from its current status")
			}
			d.Status = models.DealStatusFinished
			finished = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.payMilestone(ctx, deal, approvedIdx); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventMilestoneApproved, deal, map[string]any{"milestone": approvedIdx})
	s.notify(ctx, events.EventMilestoneApproved, deal, userID, map[string]any{
		"name":      deal.Name,
		"milestone": approvedIdx,
	})
	if deal.IsPublished {
		if err := s.finance.UpdateMilestone(ctx, deal.ID.String(), approvedIdx, models.MilestoneStatusCompleted); err != nil {
			s.log.Warn("finance milestone update failed", zap.Error(err))
		}
	}

	if finished {
		s.publish(ctx, events.EventDealCompleted, deal, nil)
		s.notify(ctx, events.EventDealCompleted, deal, "", map[string]any{"name": deal.Name})
	}
	return deal, nil
}

// UpdateCurrentMilestone advances the milestone pointer to its strict
// successor. For EVM deals the buyer proves intent with a wallet signature
// over the milestone being advanced to; the matching payout moves the vault
// share of the milestone being left behind.
func (s *DealService) UpdateCurrentMilestone(ctx context.Context, userID string, dealID uuid.UUID, next int, signature string) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasBuyer(userID) {
			return apperrors.Unauthorized("User not authorized to update the current milestone for this deal")
		}
		if d.Status != models.DealStatusConfirmed {
			return apperrors.BadRequest("Deal is not in progress")
		}
		if d.SettlementKind == models.SettlementKindEVM && d.NftID == nil {
			return apperrors.BadRequest("Deal NFT must be minted first")
		}
		if err := d.CheckNextMilestone(next); err != nil {
			return apperrors.BadRequest(err.Error())
		}

		if d.SettlementKind == models.SettlementKindEVM {
			wallet := buyerWallet(d, userID)
			if wallet == "" {
				return apperrors.BadRequest("No wallet address registered for approval signature")
			}
			message := models.ApprovalSignatureMessage(next, *d.NftID)
			if err := blockchain.VerifyMessage(message, signature, wallet); err != nil {
				s.log.Warn("milestone advance signature rejected",
					zap.String("deal_id", d.ID.String()), zap.Error(err))
				return apperrors.Forbidden("Invalid signature")
			}
		}

		prev := d.CurrentMilestone
		d.Milestones[prev].ApprovalStatus = models.MilestoneApprovalApproved
		d.Milestones[prev].Status = models.MilestoneStatusCompleted
		d.CurrentMilestone = next
		d.Milestones[next].Status = models.MilestoneStatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.payMilestone(ctx, deal, next-1); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventMilestoneApproved, deal, map[string]any{"milestone": next})
	s.notify(ctx, events.EventMilestoneApproved, deal, userID, map[string]any{
		"name":      deal.Name,
		"milestone": next,
	})
	if deal.IsPublished {
		if err := s.finance.UpdateMilestone(ctx, deal.ID.String(), next-1, models.MilestoneStatusCompleted); err != nil {
			s.log.Warn("finance milestone update failed", zap.Error(err))
		}
	}
	return deal, nil
}

// payMilestone releases one milestone's share of the vault to the borrower.
func (s *DealService) payMilestone(ctx context.Context, deal *models.Deal, idx int) error {
	txHash, err := s.backendFor(deal).PayMilestone(ctx, deal, idx)
	if err != nil {
		s.log.Error("milestone payout failed",
			zap.String("deal_id", deal.ID.String()),
			zap.Int("milestone", idx),
			zap.Error(err))
		return apperrors.BadRequest("Failed to release milestone funds")
	}
	if txHash != "" {
		s.log.Info("milestone funds released",
			zap.String("deal_id", deal.ID.String()),
			zap.Int("milestone", idx),
			zap.String("tx_hash", txHash))
	}
	return nil
}

// SetDealAsRepaid records investor repayment after a finished deal and closes
// the escrow: the sync job stops and the backend settles any remainder.
func (s *DealService) SetDealAsRepaid(ctx context.Context, accountType string, dealID uuid.UUID) (*models.Deal, error) {
	if accountType != models.AccountTypeBuyer {
		return nil, apperrors.Unauthorized("You are not allowed to set this deal as repaid")
	}

	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !models.IsValidTransition(d.Status, models.DealStatusRepaid) {
			return apperrors.BadRequest("Only finished deals can be repaid")
		}
		d.Status = models.DealStatusRepaid
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deal.VaultAddress != "" {
		if err := s.dealLogRepo.DeactivateSyncJob(ctx, deal.VaultAddress); err != nil {
			s.log.Warn("deactivate sync job failed", zap.Error(err))
		}
	}
	if _, err := s.backendFor(deal).MarkCompleted(ctx, deal); err != nil {
		s.log.Error("close escrow failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
	}

	s.publish(ctx, events.EventDealRepaid, deal, nil)
	s.notify(ctx, events.EventDealRepaid, deal, "", map[string]any{"name": deal.Name})
	if err := s.finance.CreateActivity(ctx, deal.ID.String(), "deal_repaid", "Investors repaid"); err != nil {
		s.log.Warn("finance activity failed", zap.Error(err))
	}
	return deal, nil
}

// SetDealAsViewed clears the caller's new-deal marker.
func (s *DealService) SetDealAsViewed(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	return s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		for i := range d.Buyers {
			if d.Buyers[i].ID == userID {
				d.Buyers[i].New = false
			}
		}
		for i := range d.Suppliers {
			if d.Suppliers[i].ID == userID {
				d.Suppliers[i].New = false
			}
		}
		return nil
	})
}

// UploadDealDocument attaches a document at the deal level.
func (s *DealService) UploadDealDocument(ctx context.Context, userID string, dealID uuid.UUID, url, description string) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		d.Docs = append(d.Docs, models.DocumentFile{
			ID:          uuid.NewString(),
			URL:         url,
			Description: description,
			SeenByUsers: []string{userID},
		})
		d.NewDocuments = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.EventMilestoneDocumentUploaded, deal, userID, map[string]any{"name": deal.Name})
	return deal, nil
}

// UploadMilestoneDocument attaches evidence to a milestone, supplier only.
func (s *DealService) UploadMilestoneDocument(ctx context.Context, userID string, dealID uuid.UUID, milestoneID, url, description string) (*models.Deal, error) {
	deal, err := s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasSupplier(userID) {
			return apperrors.Forbidden("Only the supplier can upload milestone documents")
		}
		if d.Status != models.DealStatusConfirmed {
			return apperrors.BadRequest("Deal is not in progress")
		}
		idx := d.MilestoneIndexByID(milestoneID)
		if idx < 0 {
			return apperrors.BadRequest("Milestone not found")
		}
		// evidence only goes onto the milestone in progress
		if idx != d.CurrentMilestone {
			return apperrors.Forbidden("You are not allowed to upload documents for this milestone")
		}
		d.Milestones[idx].Docs = append(d.Milestones[idx].Docs, models.DocumentFile{
			ID:          uuid.NewString(),
			URL:         url,
			Description: description,
			SeenByUsers: []string{userID},
		})
		d.NewDocuments = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventMilestoneDocumentUploaded, deal, map[string]any{"milestoneId": milestoneID})
	s.notify(ctx, events.EventMilestoneDocumentUploaded, deal, userID, map[string]any{"name": deal.Name})
	return deal, nil
}

// DeleteDocument removes a deal or milestone document by id.
func (s *DealService) DeleteDocument(ctx context.Context, userID string, dealID uuid.UUID, docID string) (*models.Deal, error) {
	return s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		for i, doc := range d.Docs {
			if doc.ID == docID {
				d.Docs = append(d.Docs[:i], d.Docs[i+1:]...)
				return nil
			}
		}
		for mi := range d.Milestones {
			for i, doc := range d.Milestones[mi].Docs {
				if doc.ID == docID {
					d.Milestones[mi].Docs = append(d.Milestones[mi].Docs[:i], d.Milestones[mi].Docs[i+1:]...)
					return nil
				}
			}
		}
		return apperrors.BadRequest("Document not found")
	})
}

// SetDocumentsAsViewed marks every document seen by the caller.
func (s *DealService) SetDocumentsAsViewed(ctx context.Context, userID string, dealID uuid.UUID) (*models.Deal, error) {
	return s.dealRepo.WithDealLocked(ctx, dealID, func(d *models.Deal) error {
		if !d.HasParticipant(userID) {
			return apperrors.Forbidden("You do not have access to this deal")
		}
		markSeen := func(docs []models.DocumentFile) {
			for i := range docs {
				seen := false
				for _, u := range docs[i].SeenByUsers {
					if u == userID {
						seen = true
						break
					}
				}
				if !seen {
					docs[i].SeenByUsers = append(docs[i].SeenByUsers, userID)
				}
			}
		}
		markSeen(d.Docs)
		for mi := range d.Milestones {
			markSeen(d.Milestones[mi].Docs)
		}
		d.NewDocuments = false
		return nil
	})
}

// FindDealLogs returns the on-chain event history of a deal's vault.
func (s *DealService) FindDealLogs(ctx context.Context, userID, accountType string, dealID uuid.UUID) ([]models.DealLog, error) {
	deal, err := s.GetDeal(ctx, userID, accountType, dealID)
	if err != nil {
		return nil, err
	}
	if deal.NftID == nil {
		return []models.DealLog{}, nil
	}
	return s.dealLogRepo.ListByDealID(ctx, *deal.NftID)
}

// AssignUserToDeals links a fresh account to every deal it was invited into
// by email before registering.
func (s *DealService) AssignUserToDeals(ctx context.Context, user *models.User) error {
	deals, err := s.dealRepo.ListByInviteeEmail(ctx, user.Email)
	if err != nil {
		return err
	}
	for _, d := range deals {
		_, err := s.dealRepo.WithDealLocked(ctx, d.ID, func(d *models.Deal) error {
			claim := func(side []models.Participant) {
				for i := range side {
					if side[i].ID == "" && side[i].Email == user.Email {
						side[i].ID = user.ID.String()
						side[i].WalletAddress = user.WalletAddress
					}
				}
			}
			claim(d.Buyers)
			claim(d.Suppliers)
			return nil
		})
		if err != nil {
			s.log.Warn("assign user to deal failed",
				zap.String("deal_id", d.ID.String()),
				zap.String("user_id", user.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func buyerWallet(d *models.Deal, userID string) string {
	for _, b := range d.Buyers {
		if b.ID == userID {
			return b.WalletAddress
		}
	}
	return ""
}
