package entities

import "time"

// OrderPurpose decides which side effect an approved payment produces.
type OrderPurpose string

const (
	PurposeTopUp       OrderPurpose = "topup"
	PurposePlatformFee OrderPurpose = "platform_fee"
)

func (p OrderPurpose) Valid() bool {
	return p == PurposeTopUp || p == PurposePlatformFee
}

// PaymentOrder is what a user is asked to pay off-platform. Amount is in minor units.
type PaymentOrder struct {
	ID                     string       `json:"id"                       db:"id"`
	UserID                 string       `json:"user_id"                  db:"user_id"`
	Amount                 int64        `json:"amount"                   db:"amount"`
	Purpose                OrderPurpose `json:"purpose"                  db:"purpose"`
	LinkedBidID            *string      `json:"linked_bid_id,omitempty"  db:"linked_bid_id"`
	ReceivingAccountName   string       `json:"receiving_account_name"   db:"receiving_account_name"`
	ReceivingAccountNumber string       `json:"receiving_account_number" db:"receiving_account_number"`
	Fulfilled              bool         `json:"fulfilled"                db:"fulfilled"`
	FulfilledBy            *string      `json:"fulfilled_by,omitempty"   db:"fulfilled_by"`
	FulfilledAt            *time.Time   `json:"fulfilled_at,omitempty"   db:"fulfilled_at"`
	CreatedAt              time.Time    `json:"created_at"               db:"created_at"`
	ExpiresAt              time.Time    `json:"expires_at"               db:"expires_at"`
}

func (o *PaymentOrder) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
