package entities

import "time"

type SettlementKind string

const (
	SettlementWalletCredit    SettlementKind = "wallet_credit"
	SettlementPlatformFeePaid SettlementKind = "platform_fee_paid"
)

// SettlementEvent is emitted once per fulfilled order.
type SettlementEvent struct {
	EventID      string         `json:"event_id"`
	Kind         SettlementKind `json:"kind"`
	OrderID      string         `json:"order_id"`
	SubmissionID string         `json:"submission_id"`
	UserID       string         `json:"user_id"`
	Amount       int64          `json:"amount"`
	LinkedBidID  *string        `json:"linked_bid_id,omitempty"`
	SettledAt    time.Time      `json:"settled_at"`
}
