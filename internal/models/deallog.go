package models

import (
	"time"
)

// DealLog is an on-chain event ingested for a deal's vault contract.
type DealLog struct {
	ID             int64          `json:"id"`
	DealID         int64          `json:"deal_id"` // nft id
	Event          string         `json:"event"`
	Message        string         `json:"message"`
	Args           map[string]any `json:"args,omitempty"`
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp time.Time      `json:"block_timestamp"`
	TxHash         string         `json:"tx_hash"`
}

// SyncLogJob registers a vault contract whose events the worker ingests.
type SyncLogJob struct {
	ID        int64     `json:"id"`
	Contract  string    `json:"contract"` // vault contract address
	DealID    int64     `json:"deal_id"`  // nft id
	LastBlock uint64    `json:"last_block"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
