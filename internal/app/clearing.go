package app

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

// ClearingDispatcher decides how an approved instruction leaves the bank.
type ClearingDispatcher interface {
	Dispatch(ctx context.Context, instr *domain.PaymentInstruction) (domain.ClearingOutcome, error)
}

// ThresholdClearingDispatcher is a pure function of amount and currency.
type ThresholdClearingDispatcher struct {
	localCurrency string
	ceiling       decimal.Decimal
	fxThreshold   decimal.Decimal
}

func NewThresholdClearingDispatcher(localCurrency string, ceiling, fxThreshold decimal.Decimal) *ThresholdClearingDispatcher {
	return &ThresholdClearingDispatcher{
		localCurrency: strings.ToUpper(strings.TrimSpace(localCurrency)),
		ceiling:       ceiling,
		fxThreshold:   fxThreshold,
	}
}

func (d *ThresholdClearingDispatcher) Dispatch(ctx context.Context, instr *domain.PaymentInstruction) (domain.ClearingOutcome, error) {
	if d.ceiling.IsPositive() && instr.Amount.GreaterThan(d.ceiling) {
		return domain.ClearingFailed, nil
	}
	foreign := d.localCurrency != "" && !strings.EqualFold(instr.Currency, d.localCurrency)
	if foreign && instr.Amount.GreaterThan(d.fxThreshold) {
		return domain.ClearingRequired, nil
	}
	return domain.ClearingPosted, nil
}
