package events

import "context"

// Event types mirror the notification catalogue: every deal state transition
// publishes one of these on the deal stream.
const (
	EventInviteToSignup             = "invite_to_signup"
	EventNewProposal                = "new_proposal"
	EventDealConfirmed              = "deal_confirmed"
	EventProposalCancelled          = "proposal_cancelled"
	EventChangesInProposal          = "changes_in_proposal"
	EventMilestoneDocumentUploaded  = "milestone_document_uploaded"
	EventMilestoneApprovalRequested = "milestone_approval_requested"
	EventMilestoneApproved          = "milestone_approved"
	EventMilestoneDenied            = "milestone_denied"
	EventDealCompleted              = "deal_completed"
	EventDealRepaid                 = "deal_repaid"
	EventAccountCreated             = "account_created"
	EventDepositCredited            = "deposit_credited"
)

// StreamDeals is the redis channel deal lifecycle events are published on.
const StreamDeals = "events:deal"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
