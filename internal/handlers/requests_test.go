package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/captionhub/backend/internal/services"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failedTags maps each failing field to the tag that rejected it.
func failedTags(t *testing.T, req any) map[string]string {
	t.Helper()
	err := services.NewValidationHelper().ValidateStruct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)

	tags := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		tags[fe.Field()] = fe.Tag()
	}
	return tags
}

func floatPtr(v float64) *float64 { return &v }

func TestReserveRequest_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  reserveRequest
		want map[string]string
	}{
		{"amount omitted", reserveRequest{JobID: "job-1", DurationSeconds: floatPtr(125)}, nil},
		{"explicit amount", reserveRequest{JobID: "job-1", Amount: 45}, nil},
		{"negative amount", reserveRequest{JobID: "job-1", Amount: -1}, map[string]string{"Amount": "gt"}},
		{"negative duration", reserveRequest{JobID: "job-1", DurationSeconds: floatPtr(-1)}, map[string]string{"DurationSeconds": "gte"}},
		{"negative languages", reserveRequest{JobID: "job-1", Amount: 10, TranslationLanguages: -1}, map[string]string{"TranslationLanguages": "gte"}},
		{"missing job id", reserveRequest{Amount: 10}, map[string]string{"JobID": "required"}},
		{"job id too long", reserveRequest{JobID: strings.Repeat("j", 129), Amount: 10}, map[string]string{"JobID": "max"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failedTags(t, &tt.req))
		})
	}
}

func TestGrantRequest_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  grantRequest
		want map[string]string
	}{
		{"registered user", grantRequest{UserID: "user-1", Amount: 500}, nil},
		{"device with address", grantRequest{DeviceID: "device-1", IPAddress: "198.51.100.10", Amount: 50}, nil},
		{"device with ipv6 address", grantRequest{DeviceID: "device-1", IPAddress: "2001:db8::1", Amount: 50}, nil},
		{"device without address", grantRequest{DeviceID: "device-1", Amount: 50}, nil},
		{"no account", grantRequest{Amount: 50}, map[string]string{"DeviceID": "required_without"}},
		{"malformed address", grantRequest{DeviceID: "device-1", IPAddress: "198.51.100", Amount: 50}, map[string]string{"IPAddress": "ip"}},
		{"zero amount", grantRequest{UserID: "user-1"}, map[string]string{"Amount": "required"}},
		{"negative amount", grantRequest{UserID: "user-1", Amount: -5}, map[string]string{"Amount": "gt"}},
		{"payment id too long", grantRequest{UserID: "user-1", Amount: 5, PaymentID: strings.Repeat("p", 129)}, map[string]string{"PaymentID": "max"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failedTags(t, &tt.req))
		})
	}
}

func TestSettleRequest_Validation(t *testing.T) {
	assert.Nil(t, failedTags(t, &settleRequest{JobID: "job-1", Reason: strings.Repeat("r", 512)}))
	assert.Equal(t, map[string]string{"Reason": "max"}, failedTags(t, &settleRequest{JobID: "job-1", Reason: strings.Repeat("r", 513)}))
	assert.Equal(t, map[string]string{"JobID": "required"}, failedTags(t, &settleRequest{}))
}

func TestCreditHandler_ValidationDetails(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/grants", map[string]any{"device_id": "device-1", "ip_address": "not-an-ip", "amount": 5}, internal)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp services.ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Contains(t, resp.Details, "IPAddress")

	w = s.do(http.MethodPost, "/reservations/res-1/refund", map[string]any{"job_id": "job-1", "reason": strings.Repeat("r", 513)}, internal)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp = services.ErrorResponse{}
	decodeBody(t, w, &resp)
	assert.Contains(t, resp.Details, "Reason")
}
