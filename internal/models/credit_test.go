package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReservationStatus_CanTransition(t *testing.T) {
	allowed := map[ReservationStatus][]ReservationStatus{
		ReservationReserved:  {ReservationConfirmed, ReservationRefunded, ReservationExpired},
		ReservationExpired:   {ReservationRefunded},
		ReservationConfirmed: nil,
		ReservationRefunded:  nil,
	}

	for from, targets := range allowed {
		for _, to := range reservationStatuses {
			assert.Equal(t, contains(targets, to), from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestSourceStatuses(t *testing.T) {
	assert.Equal(t, []ReservationStatus{ReservationReserved}, SourceStatuses(ReservationConfirmed))
	assert.Equal(t, []ReservationStatus{ReservationReserved}, SourceStatuses(ReservationExpired))
	assert.Equal(t, []ReservationStatus{ReservationReserved, ReservationExpired}, SourceStatuses(ReservationRefunded))
	assert.Empty(t, SourceStatuses(ReservationReserved))
}

func contains(list []ReservationStatus, s ReservationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
