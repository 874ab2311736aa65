package entities

import (
	"time"
)

// WalletAccount is the in-app balance credited by approved top-ups.
type WalletAccount struct {
	UserID    string    `json:"user_id"    db:"user_id"`
	Balance   int64     `json:"balance"    db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
