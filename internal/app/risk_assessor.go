package app

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

const (
	riskBaseScore      = 10
	riskAmountStep     = 100000
	riskAmountPerStep  = 5
	riskAmountCap      = 40
	riskForeignPenalty = 15
	riskCashPenalty    = 10
	riskUrgentPenalty  = 5
	riskScoreCap       = 95
)

// RiskAssessor computes the local risk score checked after the oracle approves.
type RiskAssessor struct {
	localCurrency   string
	rejectThreshold int
}

func NewRiskAssessor(localCurrency string, rejectThreshold int) *RiskAssessor {
	if rejectThreshold <= 0 {
		rejectThreshold = 80
	}
	return &RiskAssessor{
		localCurrency:   strings.ToUpper(strings.TrimSpace(localCurrency)),
		rejectThreshold: rejectThreshold,
	}
}

// Score returns a value in [0, 95].
func (a *RiskAssessor) Score(instr *domain.PaymentInstruction) int {
	score := riskBaseScore

	steps := instr.Amount.Div(decimal.NewFromInt(riskAmountStep)).IntPart()
	amountFactor := steps * riskAmountPerStep
	if amountFactor > riskAmountCap {
		amountFactor = riskAmountCap
	}
	score += int(amountFactor)

	if a.localCurrency != "" && !strings.EqualFold(instr.Currency, a.localCurrency) {
		score += riskForeignPenalty
	}
	if strings.Contains(strings.ToLower(instr.Purpose), "cash") {
		score += riskCashPenalty
	}
	if instr.Priority > 0 && instr.Priority < 3 {
		score += riskUrgentPenalty
	}

	if score > riskScoreCap {
		score = riskScoreCap
	}
	return score
}

// Rejects reports whether score meets the reject threshold.
func (a *RiskAssessor) Rejects(score int) bool {
	return score >= a.rejectThreshold
}
