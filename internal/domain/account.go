/**
 * @description
 * Account and ledger models. An account carries three balances that always satisfy
 * total == available + frozen. Balances only move through the five ledger operations
 * defined here; persistence and locking live in the store and app packages.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact decimal arithmetic for money.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places stored for every balance and amount.
const MoneyScale = 4

// CheckMoneyScale rejects amounts that storage would have to round.
func CheckMoneyScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", ErrInvalidRequest, field, amount, MoneyScale)
	}
	return nil
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	// AccountFrozen blocks debits (freeze, settle) but still accepts credits and releases.
	AccountFrozen AccountStatus = "FROZEN"
	AccountClosed AccountStatus = "CLOSED"
)

// ParseAccountStatus normalises an administrative status value.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	switch AccountStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case AccountActive:
		return AccountActive, nil
	case AccountFrozen:
		return AccountFrozen, nil
	case AccountClosed:
		return AccountClosed, nil
	default:
		return "", fmt.Errorf("%w: unknown account status %q", ErrInvalidRequest, raw)
	}
}

// OperationKind enumerates the ledger operations an account accepts.
type OperationKind string

const (
	OpCredit   OperationKind = "CREDIT"
	OpFreeze   OperationKind = "FREEZE"
	OpSettle   OperationKind = "SETTLE"
	OpUnfreeze OperationKind = "UNFREEZE"
	OpClose    OperationKind = "CLOSE"
)

// ParseOperationKind maps a path segment such as "freeze" to its OperationKind.
func ParseOperationKind(raw string) (OperationKind, error) {
	switch OperationKind(strings.ToUpper(strings.TrimSpace(raw))) {
	case OpCredit:
		return OpCredit, nil
	case OpFreeze:
		return OpFreeze, nil
	case OpSettle:
		return OpSettle, nil
	case OpUnfreeze:
		return OpUnfreeze, nil
	case OpClose:
		return OpClose, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, raw)
	}
}

// Account is the balance holder mutated by the ledger.
type Account struct {
	AccountID        string          `json:"accountId"`
	CustomerID       string          `json:"customerId"`
	Currency         string          `json:"currency"`
	TotalBalance     decimal.Decimal `json:"totalBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	FrozenBalance    decimal.Decimal `json:"frozenBalance"`
	Status           AccountStatus   `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewAccount opens an ACTIVE account whose whole opening balance is available.
func NewAccount(accountID, customerID, currency string, opening decimal.Decimal, now time.Time) (*Account, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: account id and customer id are required", ErrInvalidRequest)
	}
	if strings.TrimSpace(currency) == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	if opening.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance must not be negative", ErrInvalidRequest)
	}
	if err := CheckMoneyScale("opening balance", opening); err != nil {
		return nil, err
	}
	return &Account{
		AccountID:        accountID,
		CustomerID:       customerID,
		Currency:         strings.ToUpper(strings.TrimSpace(currency)),
		TotalBalance:     opening,
		AvailableBalance: opening,
		FrozenBalance:    decimal.Zero,
		Status:           AccountActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Clone returns a copy that can be mutated without touching the receiver.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// CheckInvariant reports whether the balances are consistent.
func (a *Account) CheckInvariant() error {
	if a.TotalBalance.IsNegative() || a.AvailableBalance.IsNegative() || a.FrozenBalance.IsNegative() {
		return fmt.Errorf("account %s has a negative balance", a.AccountID)
	}
	if !a.TotalBalance.Equal(a.AvailableBalance.Add(a.FrozenBalance)) {
		return fmt.Errorf("account %s balance mismatch: total=%s available=%s frozen=%s",
			a.AccountID, a.TotalBalance, a.AvailableBalance, a.FrozenBalance)
	}
	return nil
}

// Apply runs op against the account in place. Callers are expected to hold the
// account lock and to work on a Clone so that a failed operation leaves the
// persisted state untouched.
func (a *Account) Apply(op OperationKind, amount decimal.Decimal, now time.Time) error {
	if op != OpClose && !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	if err := CheckMoneyScale("amount", amount); err != nil {
		return err
	}
	if a.Status == AccountClosed {
		return fmt.Errorf("%w: account %s is closed", ErrBusinessRule, a.AccountID)
	}

	switch op {
	case OpCredit:
		a.TotalBalance = a.TotalBalance.Add(amount)
		a.AvailableBalance = a.AvailableBalance.Add(amount)
	case OpFreeze:
		if a.Status == AccountFrozen {
			return fmt.Errorf("%w: account %s is frozen for debit", ErrBusinessRule, a.AccountID)
		}
		if a.AvailableBalance.LessThan(amount) {
			return fmt.Errorf("%w: available %s is less than %s", ErrInsufficientFunds, a.AvailableBalance, amount)
		}
		a.AvailableBalance = a.AvailableBalance.Sub(amount)
		a.FrozenBalance = a.FrozenBalance.Add(amount)
	case OpSettle:
		if a.Status == AccountFrozen {
			return fmt.Errorf("%w: account %s is frozen for debit", ErrBusinessRule, a.AccountID)
		}
		if a.FrozenBalance.LessThan(amount) {
			return fmt.Errorf("%w: frozen %s is less than %s", ErrInsufficientFunds, a.FrozenBalance, amount)
		}
		a.TotalBalance = a.TotalBalance.Sub(amount)
		a.FrozenBalance = a.FrozenBalance.Sub(amount)
	case OpUnfreeze:
		if a.FrozenBalance.LessThan(amount) {
			return fmt.Errorf("%w: frozen %s is less than %s", ErrInsufficientFunds, a.FrozenBalance, amount)
		}
		a.FrozenBalance = a.FrozenBalance.Sub(amount)
		a.AvailableBalance = a.AvailableBalance.Add(amount)
	case OpClose:
		if !a.TotalBalance.IsZero() || !a.AvailableBalance.IsZero() || !a.FrozenBalance.IsZero() {
			return fmt.Errorf("%w: account %s still holds funds", ErrBusinessRule, a.AccountID)
		}
		a.Status = AccountClosed
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, op)
	}

	a.UpdatedAt = now
	return a.CheckInvariant()
}

// LedgerEntry is the append-only record of one applied operation. Its RequestID
// is unique across the ledger and is the deduplication key.
type LedgerEntry struct {
	EntryID          string          `json:"entryId"`
	RequestID        string          `json:"requestId"`
	AccountID        string          `json:"accountId"`
	Operation        OperationKind   `json:"operation"`
	Amount           decimal.Decimal `json:"amount"`
	TotalBalance     decimal.Decimal `json:"totalBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	FrozenBalance    decimal.Decimal `json:"frozenBalance"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// NewLedgerEntry snapshots the post-operation balances of acct.
func NewLedgerEntry(entryID, requestID string, acct *Account, op OperationKind, amount decimal.Decimal, now time.Time) LedgerEntry {
	return LedgerEntry{
		EntryID:          entryID,
		RequestID:        requestID,
		AccountID:        acct.AccountID,
		Operation:        op,
		Amount:           amount,
		TotalBalance:     acct.TotalBalance,
		AvailableBalance: acct.AvailableBalance,
		FrozenBalance:    acct.FrozenBalance,
		CreatedAt:        now,
	}
}

// CreateAccountRequest is the payload for opening an account.
type CreateAccountRequest struct {
	AccountID      string          `json:"accountId,omitempty"`
	CustomerID     string          `json:"customerId"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
}

// AccountOperationRequest carries the amount and idempotency key of a ledger call.
type AccountOperationRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"requestId"`
}

// AccountStatusRequest is the payload for administrative status changes.
type AccountStatusRequest struct {
	Status string `json:"status"`
}
