package models

import (
	"time"

	"github.com/google/uuid"
)

// Account types
const (
	AccountTypeBuyer    = "buyer"
	AccountTypeSupplier = "supplier"
	AccountTypeInvestor = "investor"
)

type User struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	AccountType   string    `json:"account_type"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	KYCVerified   bool      `json:"kyc_verified"`
	Company       *Company  `json:"company,omitempty"`

	// XRPL investor wallet; the seed is AES-GCM sealed at rest
	XrplWalletAddress string `json:"xrpl_wallet_address,omitempty"`
	XrplWalletSeedEnc string `json:"-"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}
