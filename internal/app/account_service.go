/**
 * @description
 * AccountService is the account ledger: the only code path that writes balances.
 * Every mutation takes the account lock, deduplicates by request id and persists
 * the new balances together with their ledger entry.
 *
 * @dependencies
 * - github.com/google/uuid: account, entry and fallback request ids.
 * - github.com/shopspring/decimal: amounts.
 * - internal/store: account repository.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
	"github.com/KongYiji1994/BankCore1/internal/store"
)

type operationSpec struct {
	requiresIdempotency bool
	requiresLedgerEntry bool
}

// operationTable is the closed set of ledger operations.
var operationTable = map[domain.OperationKind]operationSpec{
	domain.OpCredit:   {requiresIdempotency: true, requiresLedgerEntry: true},
	domain.OpFreeze:   {requiresIdempotency: true, requiresLedgerEntry: true},
	domain.OpSettle:   {requiresIdempotency: true, requiresLedgerEntry: true},
	domain.OpUnfreeze: {requiresIdempotency: true, requiresLedgerEntry: true},
	domain.OpClose:    {requiresIdempotency: false, requiresLedgerEntry: false},
}

// AccountService implements Ledger on top of an AccountRepository.
type AccountService struct {
	repo store.AccountRepository
	lock *DistributedLock
	now  func() time.Time
}

func NewAccountService(repo store.AccountRepository, lock *DistributedLock) *AccountService {
	return &AccountService{repo: repo, lock: lock, now: time.Now}
}

// CreateAccount opens an ACTIVE account. The opening balance is not ledgered.
func (s *AccountService) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = uuid.NewString()
	}
	acct, err := domain.NewAccount(accountID, strings.TrimSpace(req.CustomerID), req.Currency, req.OpeningBalance, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"account opened\" account_id=%s customer_id=%s currency=%s opening=%s",
		acct.AccountID, acct.CustomerID, acct.Currency, acct.TotalBalance)
	return acct, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

func (s *AccountService) ListAccounts(ctx context.Context, customerID string) ([]domain.Account, error) {
	if customerID = strings.TrimSpace(customerID); customerID != "" {
		return s.repo.ListAccountsByCustomer(ctx, customerID)
	}
	return s.repo.ListAccounts(ctx)
}

func (s *AccountService) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	return s.repo.ListEntries(ctx, accountID)
}

func (s *AccountService) FindEntry(ctx context.Context, requestID string) (*domain.LedgerEntry, error) {
	return s.repo.FindEntryByRequestID(ctx, requestID)
}

// SetStatus toggles an account between ACTIVE and FROZEN under the account lock.
func (s *AccountService) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.Account, error) {
	if status != domain.AccountActive && status != domain.AccountFrozen {
		return nil, fmt.Errorf("%w: status must be ACTIVE or FROZEN; use close to close an account", domain.ErrInvalidRequest)
	}
	token, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer s.lock.Unlock(ctx, accountID, token)

	current, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.AccountClosed {
		return nil, fmt.Errorf("%w: account %s is closed", domain.ErrBusinessRule, accountID)
	}
	acct, err := s.repo.UpdateAccountStatus(ctx, accountID, status)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"account status changed\" account_id=%s status=%s", accountID, status)
	return acct, nil
}

func (s *AccountService) Credit(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return s.Execute(ctx, domain.OpCredit, accountID, amount, requestID)
}

func (s *AccountService) Freeze(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return s.Execute(ctx, domain.OpFreeze, accountID, amount, requestID)
}

func (s *AccountService) Settle(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return s.Execute(ctx, domain.OpSettle, accountID, amount, requestID)
}

func (s *AccountService) Unfreeze(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return s.Execute(ctx, domain.OpUnfreeze, accountID, amount, requestID)
}

func (s *AccountService) Close(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.Execute(ctx, domain.OpClose, accountID, decimal.Zero, "")
}

// Execute runs one ledger operation. A request id that already has a ledger entry
// returns the account's current state without reapplying anything.
func (s *AccountService) Execute(ctx context.Context, op domain.OperationKind, accountID string, amount decimal.Decimal, requestID string) (acct *domain.Account, err error) {
	spec, ok := operationTable[op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidRequest, op)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	}
	if op != domain.OpClose && !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidRequest)
	}
	if err := domain.CheckMoneyScale("amount", amount); err != nil {
		return nil, err
	}

	started := s.now()
	outcome := "applied"
	defer func() {
		if err != nil {
			outcome = ledgerErrorOutcome(err)
		}
		ledgerOperationsTotal.WithLabelValues(string(op), outcome).Inc()
		ledgerOperationDuration.WithLabelValues(string(op)).Observe(s.now().Sub(started).Seconds())
	}()

	if spec.requiresIdempotency {
		requestID = strings.TrimSpace(requestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		if replay, err := s.replay(ctx, accountID, requestID); err != nil || replay != nil {
			if replay != nil {
				outcome = "replayed"
			}
			return replay, err
		}
	} else {
		requestID = ""
	}

	token, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer s.lock.Unlock(ctx, accountID, token)

	result, err := s.repo.ApplyLedgerOperation(ctx, accountID, requestID, func(a *domain.Account) (*domain.LedgerEntry, error) {
		now := s.now().UTC()
		if err := a.Apply(op, amount, now); err != nil {
			return nil, err
		}
		if !spec.requiresLedgerEntry {
			return nil, nil
		}
		entry := domain.NewLedgerEntry(uuid.NewString(), requestID, a, op, amount, now)
		return &entry, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			outcome = "replayed"
			return s.repo.GetAccount(ctx, accountID)
		}
		log.Printf("level=warn component=ledger msg=\"operation rejected\" op=%s account_id=%s request_id=%s amount=%s err=%v",
			op, accountID, requestID, amount, err)
		return nil, err
	}
	if result.Replayed {
		outcome = "replayed"
		return result.Account, nil
	}

	log.Printf("level=info component=ledger msg=\"operation applied\" op=%s account_id=%s request_id=%s amount=%s total=%s available=%s frozen=%s",
		op, accountID, requestID, amount, result.Account.TotalBalance, result.Account.AvailableBalance, result.Account.FrozenBalance)
	return result.Account, nil
}

// replay returns the current account when requestID was already applied.
func (s *AccountService) replay(ctx context.Context, accountID, requestID string) (*domain.Account, error) {
	if _, err := s.repo.FindEntryByRequestID(ctx, requestID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"duplicate request replayed\" account_id=%s request_id=%s", accountID, requestID)
	return s.repo.GetAccount(ctx, accountID)
}

func (s *AccountService) acquire(ctx context.Context, accountID string) (string, error) {
	token, ok, err := s.lock.TryLock(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("acquire account lock: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: account %s is busy, retry later", domain.ErrProcessing, accountID)
	}
	return token, nil
}

func ledgerErrorOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrProcessing):
		return "busy"
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrBusinessRule),
		errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidRequest):
		return "rejected"
	default:
		return "error"
	}
}
