/**
 * @description
 * Payment instruction, request registry and queue message models, plus the
 * forward-only status machine the orchestrator drives.
 *
 * @dependencies
 * - github.com/shopspring/decimal: payment amounts and risk thresholds.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentInstruction.
type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "PENDING"
	PaymentInRiskReview PaymentStatus = "IN_RISK_REVIEW"
	PaymentRiskApproved PaymentStatus = "RISK_APPROVED"
	PaymentRiskRejected PaymentStatus = "RISK_REJECTED"
	PaymentClearing     PaymentStatus = "CLEARING"
	PaymentPosted       PaymentStatus = "POSTED"
	PaymentFailed       PaymentStatus = "FAILED"
)

// IsTerminal reports whether the worker has nothing left to do for s.
// CLEARING is terminal from the worker's point of view: completion is external.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentRiskRejected, PaymentClearing, PaymentPosted, PaymentFailed:
		return true
	}
	return false
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:      {PaymentInRiskReview, PaymentFailed},
	PaymentInRiskReview: {PaymentRiskRejected, PaymentRiskApproved, PaymentFailed},
	PaymentRiskApproved: {PaymentRiskRejected, PaymentClearing, PaymentPosted, PaymentFailed},
	PaymentClearing:     {PaymentPosted, PaymentFailed},
}

// CanTransition reports whether from -> to is a forward edge of the state machine.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParsePaymentStatus validates a status filter value.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	s := PaymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case PaymentPending, PaymentInRiskReview, PaymentRiskApproved, PaymentRiskRejected,
		PaymentClearing, PaymentPosted, PaymentFailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown payment status %q", ErrInvalidRequest, raw)
}

// RequestStatus is the outcome recorded against a caller-supplied request id.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestSucceeded  RequestStatus = "SUCCEEDED"
	RequestFailed     RequestStatus = "FAILED"
)

func (s RequestStatus) rank() int {
	switch s {
	case RequestPending:
		return 0
	case RequestProcessing:
		return 1
	case RequestSucceeded, RequestFailed:
		return 2
	}
	return -1
}

// CanAdvanceRequest reports whether a request record may move from -> to.
// Records only move forward, except FAILED -> PENDING for a retry of the same request.
func CanAdvanceRequest(from, to RequestStatus) bool {
	if from == to {
		return true
	}
	if from == RequestFailed && to == RequestPending {
		return true
	}
	if from == RequestSucceeded || from == RequestFailed {
		return false
	}
	return to.rank() > from.rank()
}

// PaymentInstruction is one transfer attempt.
type PaymentInstruction struct {
	InstructionID       string          `json:"instructionId"`
	RequestID           string          `json:"requestId"`
	PayerAccount        string          `json:"payerAccount"`
	PayeeAccount        string          `json:"payeeAccount"`
	PayerCustomerID     string          `json:"payerCustomerId"`
	PayerCustomerStatus string          `json:"payerCustomerStatus"`
	Currency            string          `json:"currency"`
	Amount              decimal.Decimal `json:"amount"`
	Purpose             string          `json:"purpose,omitempty"`
	Channel             string          `json:"channel,omitempty"`
	BatchID             string          `json:"batchId,omitempty"`
	Priority            int             `json:"priority"`
	RiskScore           int             `json:"riskScore"`
	Status              PaymentStatus   `json:"status"`
	FailureReason       string          `json:"failureReason,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// PaymentRequestRecord maps a request id to its outcome and instruction.
type PaymentRequestRecord struct {
	RequestID     string        `json:"requestId"`
	InstructionID string        `json:"paymentInstructionId"`
	Status        RequestStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SubmitPaymentRequest is the body of POST /payments.
type SubmitPaymentRequest struct {
	RequestID     string          `json:"requestId"`
	InstructionID string          `json:"instructionId,omitempty"`
	PayerAccount  string          `json:"payerAccount"`
	PayeeAccount  string          `json:"payeeAccount"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Purpose       string          `json:"purpose,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	BatchID       string          `json:"batchId,omitempty"`
	Priority      int             `json:"priority,omitempty"`
}

// Normalize trims identifiers and upper-cases the currency in place.
func (r *SubmitPaymentRequest) Normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.InstructionID = strings.TrimSpace(r.InstructionID)
	r.PayerAccount = strings.TrimSpace(r.PayerAccount)
	r.PayeeAccount = strings.TrimSpace(r.PayeeAccount)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.Channel = strings.TrimSpace(r.Channel)
	r.BatchID = strings.TrimSpace(r.BatchID)
}

// Validate checks the fields every submission must carry.
func (r SubmitPaymentRequest) Validate() error {
	switch {
	case r.RequestID == "":
		return fmt.Errorf("%w: requestId is required", ErrInvalidRequest)
	case r.PayerAccount == "":
		return fmt.Errorf("%w: payerAccount is required", ErrInvalidRequest)
	case r.PayeeAccount == "":
		return fmt.Errorf("%w: payeeAccount is required", ErrInvalidRequest)
	case r.PayerAccount == r.PayeeAccount:
		return fmt.Errorf("%w: payer and payee must differ", ErrInvalidRequest)
	case r.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	return CheckMoneyScale("amount", r.Amount)
}

// PaymentEvent is the queue message. All mutable state lives in storage.
type PaymentEvent struct {
	RequestID     string `json:"requestId"`
	InstructionID string `json:"instructionId"`
}

// PaymentOutcomeEvent is published once an instruction reaches a terminal outcome.
type PaymentOutcomeEvent struct {
	RequestID     string          `json:"requestId"`
	InstructionID string          `json:"instructionId"`
	PayerAccount  string          `json:"payerAccount"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        PaymentStatus   `json:"status"`
	Message       string          `json:"message,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// RiskResult is the verdict of the risk oracle.
type RiskResult string

const (
	RiskApproved RiskResult = "APPROVED"
	RiskReview   RiskResult = "REVIEW"
	RiskRejected RiskResult = "REJECTED"
)

// RiskEvaluation is the input to the risk oracle.
type RiskEvaluation struct {
	RequestID    string          `json:"requestId"`
	CustomerID   string          `json:"customerId"`
	PayerAccount string          `json:"payerAccount"`
	Channel      string          `json:"channel,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

// RiskDecision is the output of the risk oracle.
type RiskDecision struct {
	Result RiskResult `json:"result"`
	Reason string     `json:"reason,omitempty"`
	RuleID string     `json:"ruleId,omitempty"`
}

// ClearingOutcome is what the clearing dispatcher decides for an instruction.
type ClearingOutcome string

const (
	ClearingPosted   ClearingOutcome = "POSTED"
	ClearingRequired ClearingOutcome = "CLEARING"
	ClearingFailed   ClearingOutcome = "FAILED"
)

// CustomerBlocked is the customer status that rejects submissions.
const CustomerBlocked = "BLOCKED"

// Customer is the slice of the customer record the orchestrator needs.
type Customer struct {
	CustomerID string `json:"customerId"`
	Status     string `json:"status"`
}

// IsBlocked reports whether payments from this customer must be rejected.
func (c Customer) IsBlocked() bool {
	return strings.EqualFold(strings.TrimSpace(c.Status), CustomerBlocked)
}

// PaymentListFilter narrows GET /payments.
type PaymentListFilter struct {
	Status       PaymentStatus
	PayerAccount string
	Limit        int
	Offset       int
}

// BatchProcessRequest is the body of POST /payments/batch/process.
type BatchProcessRequest struct {
	InstructionIDs []string `json:"instructionIds"`
}

// BatchResult summarises a batch re-trigger. Pending counts instructions left
// in a non-terminal state, such as one held for manual risk review or one owned
// by another worker.
type BatchResult struct {
	Total      int      `json:"total"`
	Succeeded  int      `json:"succeeded"`
	Rejected   int      `json:"rejected"`
	Pending    int      `json:"pending"`
	Failed     int      `json:"failed"`
	FailedIDs  []string `json:"failedIds,omitempty"`
	PendingIDs []string `json:"pendingIds,omitempty"`
}

// StatusChangeRequest is the optional body of the fail endpoint.
type StatusChangeRequest struct {
	Reason string `json:"reason,omitempty"`
}
