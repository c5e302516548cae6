package models

import (
	"time"
)

// EntryType is the semantic label of a credit_history row.
type EntryType string

const (
	EntryTypeReservation EntryType = "reservation"
	EntryTypeUse         EntryType = "use"
	EntryTypeRefund      EntryType = "refund"
	EntryTypeCharge      EntryType = "charge"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeReservation, EntryTypeUse, EntryTypeRefund, EntryTypeCharge:
		return true
	}
	return false
}

// LedgerEntry is an append-only record of a balance change. Amount is signed
// (negative for debits) and BalanceAfter is the pocket balance right after it.
type LedgerEntry struct {
	ID            int64     `json:"id" db:"id"`
	AccountID     int64     `json:"account_id" db:"account_id"`
	Pocket        Pocket    `json:"pocket" db:"pocket"`
	Type          EntryType `json:"type" db:"type"`
	Amount        int64     `json:"amount" db:"amount"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	Description   string    `json:"description" db:"description"`
	JobID         *string   `json:"job_id,omitempty" db:"job_id"`
	ReservationID *string   `json:"reservation_id,omitempty" db:"reservation_id"`
	PaymentID     *string   `json:"payment_id,omitempty" db:"payment_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type Account struct {
	ID           int64     `json:"id" db:"id"`
	UserID       *string   `json:"user_id,omitempty" db:"user_id"`
	DeviceID     *string   `json:"device_id,omitempty" db:"device_id"`
	IPAddress    *string   `json:"ip_address,omitempty" db:"ip_address"`
	Balance      int64     `json:"balance" db:"balance"`
	FreeBalance  int64     `json:"free_balance" db:"free_balance"`
	TotalCharged int64     `json:"total_charged" db:"total_charged"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Pocket reports which balance column the account spends from.
func (a *Account) Pocket() Pocket {
	if a.UserID != nil && *a.UserID != "" {
		return PocketPaid
	}
	return PocketFree
}

// Available returns the spendable balance of the account's pocket.
func (a *Account) Available() int64 {
	if a.Pocket() == PocketPaid {
		return a.Balance
	}
	return a.FreeBalance
}

// Balance is the user-facing view returned by balance queries.
type Balance struct {
	AccountID    int64 `json:"account_id"`
	Balance      int64 `json:"balance"`
	FreeBalance  int64 `json:"free_balance"`
	TotalCharged int64 `json:"total_charged"`
}

// HistoryFilter narrows a credit_history listing. Zero values mean "any".
type HistoryFilter struct {
	Type   EntryType
	JobID  string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

type HistoryPage struct {
	Entries []LedgerEntry `json:"entries"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}
