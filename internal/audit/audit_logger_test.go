package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditLogger() (*AuditLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	a := NewAuditLoggerTo(log.New(&buf, "", 0))
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return a, &buf
}

func decodeEvent(t *testing.T, line string) AuditEvent {
	t.Helper()
	require.True(t, strings.HasPrefix(line, "AUDIT: "), line)
	var event AuditEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	return event
}

func TestAuditLogger_LogCreditEvent(t *testing.T) {
	a, buf := newTestAuditLogger()

	a.LogCreditEvent(EventReserve, 7, "job1", "res1", 45, "RESERVED")

	event := decodeEvent(t, buf.String())
	assert.Equal(t, EventReserve, event.EventType)
	assert.Equal(t, int64(7), event.AccountID)
	assert.Equal(t, "job1", event.JobID)
	assert.Equal(t, "res1", event.ReservationID)
	assert.Equal(t, int64(45), event.Amount)
	assert.Equal(t, "RESERVED", event.Status)
	assert.True(t, event.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestAuditLogger_LogError(t *testing.T) {
	a, buf := newTestAuditLogger()

	a.LogError("job1", "res1", errors.New("boom"))

	event := decodeEvent(t, buf.String())
	assert.Equal(t, EventError, event.EventType)
	assert.Equal(t, "FAILED", event.Status)
	assert.Equal(t, map[string]any{"error": "boom"}, event.Details)
}
