package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateGatewayStatus(t *testing.T) {
	tests := []struct {
		gateway string
		want    PaymentStatus
	}{
		{"approved", PaymentStatusPaid},
		{"authorized", PaymentStatusPaid},
		{"pending", PaymentStatusPending},
		{"in_process", PaymentStatusPending},
		{"rejected", PaymentStatusFail},
		{"cancelled", PaymentStatusFail},
		{"refunded", PaymentStatusFail},

		// Всё остальное — PENDING
		{"", PaymentStatusPending},
		{"charged_back", PaymentStatusPending},
		{"in_mediation", PaymentStatusPending},
		{"APPROVED", PaymentStatusPending},
		{" approved", PaymentStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.gateway, func(t *testing.T) {
			assert.Equal(t, tt.want, TranslateGatewayStatus(tt.gateway))
		})
	}
}
