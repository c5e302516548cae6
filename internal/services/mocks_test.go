package services

import (
	"github.com/stretchr/testify/mock"
)

type MockAuditRecorder struct {
	mock.Mock
}

func (m *MockAuditRecorder) LogCreditEvent(eventType string, accountID int64, jobID, reservationID string, amount int64, status string) {
	m.Called(eventType, accountID, jobID, reservationID, amount, status)
}

func (m *MockAuditRecorder) LogError(jobID, reservationID string, err error) {
	m.Called(jobID, reservationID, err)
}

// nopAudit swallows every event.
type nopAudit struct{}

func (nopAudit) LogCreditEvent(string, int64, string, string, int64, string) {}
func (nopAudit) LogError(string, string, error) {}
