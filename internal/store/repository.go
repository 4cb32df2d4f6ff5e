/**
 * @description
 * This file defines the repository contracts used by the ledger and the payment
 * orchestrator. Two implementations exist: PostgreSQL for deployments and an
 * in-memory reference store for tests and local runs.
 *
 * @dependencies
 * - internal/domain: account, ledger and payment models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

var (
	// ErrDuplicateRequest is returned when a ledger entry or request record with the
	// same request id already exists.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrStaleStatus is returned when a status update would move a record backwards.
	ErrStaleStatus = errors.New("stale status transition")
)

// MutateFunc applies one ledger operation to acct in place and returns the entry
// to append, or nil when the operation is not ledgered.
type MutateFunc func(acct *domain.Account) (*domain.LedgerEntry, error)

// LedgerResult is the outcome of ApplyLedgerOperation.
type LedgerResult struct {
	Account *domain.Account
	Entry   *domain.LedgerEntry
	// Replayed is true when an entry for the request id already existed and
	// nothing was applied.
	Replayed bool
}

// AccountRepository persists accounts and their append-only ledger.
type AccountRepository interface {
	CreateAccount(ctx context.Context, acct *domain.Account) error
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	ListAccountsByCustomer(ctx context.Context, customerID string) ([]domain.Account, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.Account, error)

	// ApplyLedgerOperation loads the account, checks requestID against the ledger
	// (an empty requestID skips the check), runs mutate and persists the new
	// balances together with the returned entry in one unit of work.
	ApplyLedgerOperation(ctx context.Context, accountID, requestID string, mutate MutateFunc) (*LedgerResult, error)
	FindEntryByRequestID(ctx context.Context, requestID string) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
}

// InstructionTransition is a compare-and-swap on an instruction's status.
type InstructionTransition struct {
	From          domain.PaymentStatus
	To            domain.PaymentStatus
	RiskScore     *int
	FailureReason *string
}

func (t InstructionTransition) validate() error {
	if !domain.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: illegal instruction transition %s -> %s", domain.ErrBusinessRule, t.From, t.To)
	}
	return nil
}

// PaymentRepository persists payment instructions and the request registry.
type PaymentRepository interface {
	// CreatePayment stores the instruction and its PENDING request record atomically.
	CreatePayment(ctx context.Context, instr *domain.PaymentInstruction, record *domain.PaymentRequestRecord) error
	GetInstruction(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error)
	ListInstructions(ctx context.Context, filter domain.PaymentListFilter) ([]domain.PaymentInstruction, error)
	// TransitionInstruction applies t only when the stored status equals t.From.
	// It reports whether the row was updated.
	TransitionInstruction(ctx context.Context, instructionID string, t InstructionTransition) (bool, error)

	GetRequestRecord(ctx context.Context, requestID string) (*domain.PaymentRequestRecord, error)
	// UpdateRequestStatus moves a record forward; a backward move returns ErrStaleStatus.
	UpdateRequestStatus(ctx context.Context, requestID string, status domain.RequestStatus, message string) error
	ListRequestsByStatus(ctx context.Context, status domain.RequestStatus, updatedBefore time.Time, limit int) ([]domain.PaymentRequestRecord, error)
}

// Repository is the full persistence surface.
type Repository interface {
	AccountRepository
	PaymentRepository
}

// allowedRequestSources lists every status a record may move from to reach target.
func allowedRequestSources(target domain.RequestStatus) []string {
	all := []domain.RequestStatus{
		domain.RequestPending,
		domain.RequestProcessing,
		domain.RequestSucceeded,
		domain.RequestFailed,
	}
	var out []string
	for _, from := range all {
		if domain.CanAdvanceRequest(from, target) {
			out = append(out, string(from))
		}
	}
	return out
}
