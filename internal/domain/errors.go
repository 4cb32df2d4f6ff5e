package domain

import "errors"

// Error taxonomy shared by the ledger, the orchestrator and the API boundary.
// Call sites wrap these with context (fmt.Errorf("%w: ...", ErrX)) and callers
// match with errors.Is.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrBusinessRule      = errors.New("business rule violation")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRiskRejected      = errors.New("risk rejected")
	ErrProcessing        = errors.New("processing")
	ErrFailed            = errors.New("failed")
)

// Wire codes for the error taxonomy.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeBusinessRule      = "BUSINESS_RULE_VIOLATION"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeRiskRejected      = "RISK_REJECTED"
	CodeProcessing        = "PROCESSING"
	CodeFailed            = "FAILED"
	CodeInternal          = "INTERNAL_ERROR"
)

// errorCodes is checked in order, so an error wrapping two sentinels always
// maps to the first one listed.
var errorCodes = []struct {
	code     string
	sentinel error
}{
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeNotFound, ErrNotFound},
	{CodeInsufficientFunds, ErrInsufficientFunds},
	{CodeRiskRejected, ErrRiskRejected},
	{CodeBusinessRule, ErrBusinessRule},
	{CodeProcessing, ErrProcessing},
	{CodeFailed, ErrFailed},
}

// ErrorCode returns the wire code for err, or CodeInternal when err is not part
// of the taxonomy.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.sentinel) {
			return ec.code
		}
	}
	return CodeInternal
}

// ErrorFromCode maps a wire code received from a remote service back to its
// sentinel. Unknown codes return nil.
func ErrorFromCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.sentinel
		}
	}
	return nil
}

// IsRetryable reports whether the caller may safely retry with the same request id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProcessing)
}
