package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

// MemoryRepository is an in-process Repository guarded by a single mutex. It is
// used by tests and by `bankcore serve` when no DATABASE_URL is configured.
type MemoryRepository struct {
	mu           sync.RWMutex
	accounts     map[string]*domain.Account
	entries      map[string]*domain.LedgerEntry
	entryOrder   []string
	instructions map[string]*domain.PaymentInstruction
	requests     map[string]*domain.PaymentRequestRecord
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[string]*domain.Account),
		entries:      make(map[string]*domain.LedgerEntry),
		instructions: make(map[string]*domain.PaymentInstruction),
		requests:     make(map[string]*domain.PaymentRequestRecord),
		now:          time.Now,
	}
}

func (m *MemoryRepository) CreateAccount(ctx context.Context, acct *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.AccountID]; ok {
		return fmt.Errorf("%w: account %s already exists", domain.ErrBusinessRule, acct.AccountID)
	}
	m.accounts[acct.AccountID] = acct.Clone()
	return nil
}

func (m *MemoryRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
	}
	return acct.Clone(), nil
}

func (m *MemoryRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return m.listAccounts(func(*domain.Account) bool { return true }), nil
}

func (m *MemoryRepository) ListAccountsByCustomer(ctx context.Context, customerID string) ([]domain.Account, error) {
	return m.listAccounts(func(a *domain.Account) bool { return a.CustomerID == customerID }), nil
}

func (m *MemoryRepository) listAccounts(keep func(*domain.Account) bool) []domain.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if keep(acct) {
			out = append(out, *acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (m *MemoryRepository) UpdateAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
	}
	acct.Status = status
	acct.UpdatedAt = m.now()
	return acct.Clone(), nil
}

func (m *MemoryRepository) ApplyLedgerOperation(ctx context.Context, accountID, requestID string, mutate MutateFunc) (*LedgerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
	}
	if requestID != "" {
		if entry, seen := m.entries[requestID]; seen {
			e := *entry
			return &LedgerResult{Account: stored.Clone(), Entry: &e, Replayed: true}, nil
		}
	}

	working := stored.Clone()
	entry, err := mutate(working)
	if err != nil {
		return nil, err
	}
	m.accounts[accountID] = working
	if entry != nil {
		e := *entry
		m.entries[entry.RequestID] = &e
		m.entryOrder = append(m.entryOrder, entry.RequestID)
	}
	return &LedgerResult{Account: working.Clone(), Entry: entry}, nil
}

func (m *MemoryRepository) FindEntryByRequestID(ctx context.Context, requestID string) (*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: ledger entry %s", domain.ErrNotFound, requestID)
	}
	e := *entry
	return &e, nil
}

func (m *MemoryRepository) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
	}
	var out []domain.LedgerEntry
	for _, id := range m.entryOrder {
		if e := m.entries[id]; e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreatePayment(ctx context.Context, instr *domain.PaymentInstruction, record *domain.PaymentRequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[record.RequestID]; ok {
		return fmt.Errorf("%w: request %s", ErrDuplicateRequest, record.RequestID)
	}
	if _, ok := m.instructions[instr.InstructionID]; ok {
		return fmt.Errorf("%w: instruction %s", ErrDuplicateRequest, instr.InstructionID)
	}
	i := *instr
	r := *record
	m.instructions[instr.InstructionID] = &i
	m.requests[record.RequestID] = &r
	return nil
}

func (m *MemoryRepository) GetInstruction(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instr, ok := m.instructions[instructionID]
	if !ok {
		return nil, fmt.Errorf("%w: instruction %s", domain.ErrNotFound, instructionID)
	}
	i := *instr
	return &i, nil
}

func (m *MemoryRepository) ListInstructions(ctx context.Context, filter domain.PaymentListFilter) ([]domain.PaymentInstruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PaymentInstruction, 0)
	for _, instr := range m.instructions {
		if filter.Status != "" && instr.Status != filter.Status {
			continue
		}
		if filter.PayerAccount != "" && instr.PayerAccount != filter.PayerAccount {
			continue
		}
		out = append(out, *instr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InstructionID < out[j].InstructionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.PaymentInstruction{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) TransitionInstruction(ctx context.Context, instructionID string, t InstructionTransition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	instr, ok := m.instructions[instructionID]
	if !ok {
		return false, fmt.Errorf("%w: instruction %s", domain.ErrNotFound, instructionID)
	}
	if instr.Status != t.From {
		return false, nil
	}
	instr.Status = t.To
	if t.RiskScore != nil {
		instr.RiskScore = *t.RiskScore
	}
	if t.FailureReason != nil {
		instr.FailureReason = *t.FailureReason
	}
	instr.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) GetRequestRecord(ctx context.Context, requestID string) (*domain.PaymentRequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
	}
	r := *rec
	return &r, nil
}

func (m *MemoryRepository) UpdateRequestStatus(ctx context.Context, requestID string, status domain.RequestStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
	}
	if !domain.CanAdvanceRequest(rec.Status, status) {
		return fmt.Errorf("%w: request %s %s -> %s", ErrStaleStatus, requestID, rec.Status, status)
	}
	rec.Status = status
	rec.Message = message
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) ListRequestsByStatus(ctx context.Context, status domain.RequestStatus, updatedBefore time.Time, limit int) ([]domain.PaymentRequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PaymentRequestRecord
	for _, rec := range m.requests {
		if rec.Status == status && rec.UpdatedAt.Before(updatedBefore) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetClock overrides the timestamp source used for updates.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
