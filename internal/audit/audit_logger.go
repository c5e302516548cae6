// Package audit writes credit events as JSON log lines.
package audit

import (
	"encoding/json"
	"log"
	"time"
)

const (
	EventReserve = "CREDIT_RESERVE"
	EventConfirm = "CREDIT_CONFIRM"
	EventRefund  = "CREDIT_REFUND"
	EventExpire  = "CREDIT_EXPIRE"
	EventGrant   = "CREDIT_GRANT"
	EventError   = "ERROR"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	AccountID     int64     `json:"account_id,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

type AuditLogger struct {
	logger *log.Logger
	now    func() time.Time
}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{logger: log.Default(), now: time.Now}
}

// NewAuditLoggerTo writes through l instead of the default logger.
func NewAuditLoggerTo(l *log.Logger) *AuditLogger {
	return &AuditLogger{logger: l, now: time.Now}
}

func (a *AuditLogger) LogCreditEvent(eventType string, accountID int64, jobID, reservationID string, amount int64, status string) {
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     eventType,
		AccountID:     accountID,
		JobID:         jobID,
		ReservationID: reservationID,
		Amount:        amount,
		Status:        status,
	})
}

func (a *AuditLogger) LogError(jobID, reservationID string, err error) {
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     EventError,
		JobID:         jobID,
		ReservationID: reservationID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	a.logger.Printf("AUDIT: %s", string(data))
}
