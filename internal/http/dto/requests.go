package dto

import (
	"time"

	"github.com/trumarket/backend/internal/models"
)

type SignupRequest struct {
	Email         string          `json:"email"`
	AccountType   string          `json:"accountType"`
	WalletAddress string          `json:"walletAddress"`
	Company       *models.Company `json:"company"`
}

type LoginRequest struct {
	Email string `json:"email"`
}

type UpdateWalletRequest struct {
	WalletAddress string `json:"walletAddress"`
}

type ParticipantInput struct {
	Email string `json:"email"`
}

type MilestoneInput struct {
	Description       string  `json:"description"`
	FundsDistribution float64 `json:"fundsDistribution"`
}

type CreateDealRequest struct {
	Name                    string             `json:"name"`
	Description             string             `json:"description"`
	CoverImageURL           string             `json:"coverImageUrl"`
	Buyers                  []ParticipantInput `json:"buyers"`
	Suppliers               []ParticipantInput `json:"suppliers"`
	Milestones              []MilestoneInput   `json:"milestones"`
	Origin                  string             `json:"origin"`
	Destination             string             `json:"destination"`
	PortOfOrigin            string             `json:"portOfOrigin"`
	PortOfDestination       string             `json:"portOfDestination"`
	Transport               string             `json:"transport"`
	Quality                 string             `json:"quality"`
	Variety                 string             `json:"variety"`
	Quantity                float64            `json:"quantity"`
	OfferUnitPrice          float64            `json:"offerUnitPrice"`
	TotalValue              float64            `json:"totalValue"`
	InvestmentAmount        float64            `json:"investmentAmount"`
	Revenue                 float64            `json:"revenue"`
	NetBalance              float64            `json:"netBalance"`
	ROI                     float64            `json:"roi"`
	BuyerCompany            *models.Company    `json:"buyerCompany"`
	SupplierCompany         *models.Company    `json:"supplierCompany"`
	ShippingStartDate       *time.Time         `json:"shippingStartDate"`
	ExpectedShippingEndDate *time.Time         `json:"expectedShippingEndDate"`
}

type UpdateDealRequest struct {
	Name              *string          `json:"name"`
	Description       *string          `json:"description"`
	CoverImageURL     *string          `json:"coverImageUrl"`
	Origin            *string          `json:"origin"`
	Destination       *string          `json:"destination"`
	PortOfOrigin      *string          `json:"portOfOrigin"`
	PortOfDestination *string          `json:"portOfDestination"`
	Transport         *string          `json:"transport"`
	Quality           *string          `json:"quality"`
	Variety           *string          `json:"variety"`
	Quantity          *float64         `json:"quantity"`
	OfferUnitPrice    *float64         `json:"offerUnitPrice"`
	TotalValue        *float64         `json:"totalValue"`
	InvestmentAmount  *float64         `json:"investmentAmount"`
	Revenue           *float64         `json:"revenue"`
	NetBalance        *float64         `json:"netBalance"`
	ROI               *float64         `json:"roi"`
	Milestones        []MilestoneInput `json:"milestones"`
}

type UpdateCurrentMilestoneRequest struct {
	Milestone int    `json:"milestone"`
	Signature string `json:"signature"`
}

type UploadDocumentRequest struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

type PublishDealRequest struct {
	Published bool `json:"published"`
}

type DepositRequest struct {
	DealID string  `json:"dealId"`
	Amount float64 `json:"amount"`
}

type RedeemRequest struct {
	Amount float64 `json:"amount"`
}
