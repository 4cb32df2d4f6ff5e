package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

func TestRiskAssessor_Score(t *testing.T) {
	a := NewRiskAssessor("cny", 0)
	tests := []struct {
		name  string
		instr domain.PaymentInstruction
		want  int
	}{
		{"small local", domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(99999)}, 10},
		{"amount steps", domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(300000)}, 25},
		{"amount cap", domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(5000000)}, 50},
		{"foreign", domain.PaymentInstruction{Currency: "USD", Amount: decimal.NewFromInt(1)}, 25},
		{"cash purpose", domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(1), Purpose: "ATM CASH"}, 20},
		{"urgent", domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(1), Priority: 2}, 15},
		{"unset priority", domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(1), Priority: 0}, 10},
		{"everything", domain.PaymentInstruction{Currency: "EUR", Amount: decimal.NewFromInt(9000000), Purpose: "cash", Priority: 1}, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instr := tt.instr
			assert.Equal(t, tt.want, a.Score(&instr))
		})
	}

	assert.True(t, a.Rejects(80))
	assert.False(t, a.Rejects(79))

	// A payment above the clearing ceiling must still pass local scoring.
	big := domain.PaymentInstruction{Currency: "CNY", Amount: decimal.NewFromInt(2000000)}
	assert.False(t, a.Rejects(a.Score(&big)))
}

func TestThresholdClearingDispatcher(t *testing.T) {
	ctx := context.Background()
	d := NewThresholdClearingDispatcher("CNY", decimal.NewFromInt(1000000), decimal.NewFromInt(20000))

	tests := []struct {
		name     string
		currency string
		amount   int64
		want     domain.ClearingOutcome
	}{
		{"local", "CNY", 500, domain.ClearingPosted},
		{"at ceiling", "CNY", 1000000, domain.ClearingPosted},
		{"above ceiling", "CNY", 1000001, domain.ClearingFailed},
		{"small foreign", "USD", 20000, domain.ClearingPosted},
		{"large foreign", "USD", 25000, domain.ClearingRequired},
		{"foreign above ceiling", "USD", 2000000, domain.ClearingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Dispatch(ctx, &domain.PaymentInstruction{Currency: tt.currency, Amount: decimal.NewFromInt(tt.amount)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
