package models

import (
	"time"
)

// Pocket selects one of the two balance columns of an account. Registered
// users spend from the paid balance, anonymous devices from the free one.
type Pocket string

const (
	PocketPaid Pocket = "paid"
	PocketFree Pocket = "free"
)

// AccountRef identifies the owner of a balance: either a registered user id,
// or a device id / IP address pair for anonymous use.
type AccountRef struct {
	UserID    string `json:"user_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

func (r AccountRef) Registered() bool {
	return r.UserID != ""
}

// Valid reports whether the ref carries enough identity to resolve an account.
func (r AccountRef) Valid() bool {
	if r.Registered() {
		return true
	}
	return r.DeviceID != "" && r.IPAddress != ""
}

func (r AccountRef) String() string {
	if r.Registered() {
		return "user:" + r.UserID
	}
	return "device:" + r.DeviceID + "@" + r.IPAddress
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationRefunded  ReservationStatus = "REFUNDED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

var reservationStatuses = []ReservationStatus{
	ReservationReserved,
	ReservationConfirmed,
	ReservationRefunded,
	ReservationExpired,
}

// CanTransition encodes RESERVED -> {CONFIRMED, REFUNDED, EXPIRED} and
// EXPIRED -> REFUNDED.
func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	switch s {
	case ReservationReserved:
		return to == ReservationConfirmed || to == ReservationRefunded || to == ReservationExpired
	case ReservationExpired:
		return to == ReservationRefunded
	}
	return false
}

// SourceStatuses lists the statuses allowed to move to `to`, in declaration
// order.
func SourceStatuses(to ReservationStatus) []ReservationStatus {
	var from []ReservationStatus
	for _, s := range reservationStatuses {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

// Reservation is a pre-authorization hold on credits tied to one job. The
// resolved AccountID and Pocket are stored at creation so refunds never have
// to re-derive the owner.
type Reservation struct {
	ID             string            `json:"reservation_id" db:"id"`
	AccountID      int64             `json:"account_id" db:"account_id"`
	Pocket         Pocket            `json:"pocket" db:"pocket"`
	JobID          string            `json:"job_id" db:"job_id"`
	Amount         int64             `json:"amount" db:"amount"`
	Status         ReservationStatus `json:"status" db:"status"`
	ReservedAt     time.Time         `json:"reserved_at" db:"reserved_at"`
	ExpiresAt      time.Time         `json:"expires_at" db:"expires_at"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty" db:"confirmed_at"`
	RefundedAt     *time.Time        `json:"refunded_at,omitempty" db:"refunded_at"`
	RefundedAmount int64             `json:"refunded_amount" db:"refunded_amount"`
	RefundReason   string            `json:"refund_reason,omitempty" db:"refund_reason"`
}

// Live reports whether the reservation still blocks a new reserve for its job.
func (r *Reservation) Live() bool {
	return r.Status == ReservationReserved || r.Status == ReservationConfirmed
}

// RefundInfo describes a completed refund.
type RefundInfo struct {
	ReservationID string    `json:"reservation_id"`
	JobID         string    `json:"job_id"`
	RefundAmount  int64     `json:"refund_amount"`
	BalanceAfter  int64     `json:"balance_after"`
	Reason        string    `json:"reason"`
	RefundedAt    time.Time `json:"refunded_at"`
}
