package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)

func seedAccount(t *testing.T, repo *MemoryRepository, id string, opening int64) {
	t.Helper()
	acct, err := domain.NewAccount(id, "cust-1", "CNY", decimal.NewFromInt(opening), time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.CreateAccount(context.Background(), acct))
}

func freezeMutation(requestID string, amount int64) MutateFunc {
	return func(acct *domain.Account) (*domain.LedgerEntry, error) {
		if err := acct.Apply(domain.OpFreeze, decimal.NewFromInt(amount), time.Now()); err != nil {
			return nil, err
		}
		entry := domain.NewLedgerEntry("e-"+requestID, requestID, acct, domain.OpFreeze, decimal.NewFromInt(amount), time.Now())
		return &entry, nil
	}
}

func TestMemoryRepository_ApplyLedgerOperationReplaysKnownRequest(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedAccount(t, repo, "acct-1", 1000)

	first, err := repo.ApplyLedgerOperation(ctx, "acct-1", "r1", freezeMutation("r1", 100))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, first.Account.AvailableBalance.Equal(decimal.NewFromInt(900)))

	second, err := repo.ApplyLedgerOperation(ctx, "acct-1", "r1", freezeMutation("r1", 100))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.True(t, second.Account.AvailableBalance.Equal(decimal.NewFromInt(900)))
	assert.True(t, second.Account.FrozenBalance.Equal(decimal.NewFromInt(100)))

	entries, err := repo.ListEntries(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryRepository_FailedMutationLeavesAccountUntouched(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedAccount(t, repo, "acct-1", 50)

	_, err := repo.ApplyLedgerOperation(ctx, "acct-1", "r1", freezeMutation("r1", 100))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	acct, err := repo.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(50)))
	assert.True(t, acct.FrozenBalance.IsZero())

	_, err = repo.FindEntryByRequestID(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_TransitionInstructionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	instr := &domain.PaymentInstruction{InstructionID: "ins-1", RequestID: "req-1", Status: domain.PaymentPending, Amount: decimal.NewFromInt(10), CreatedAt: now}
	rec := &domain.PaymentRequestRecord{RequestID: "req-1", InstructionID: "ins-1", Status: domain.RequestPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreatePayment(ctx, instr, rec))

	ok, err := repo.TransitionInstruction(ctx, "ins-1", InstructionTransition{From: domain.PaymentPending, To: domain.PaymentInRiskReview})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionInstruction(ctx, "ins-1", InstructionTransition{From: domain.PaymentPending, To: domain.PaymentFailed})
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status must not overwrite")

	got, err := repo.GetInstruction(ctx, "ins-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentInRiskReview, got.Status)

	_, err = repo.TransitionInstruction(ctx, "missing", InstructionTransition{From: domain.PaymentPending, To: domain.PaymentFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_RequestStatusMovesForwardOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	require.NoError(t, repo.CreatePayment(ctx,
		&domain.PaymentInstruction{InstructionID: "ins-1", RequestID: "req-1", Status: domain.PaymentPending},
		&domain.PaymentRequestRecord{RequestID: "req-1", InstructionID: "ins-1", Status: domain.RequestPending, CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, repo.UpdateRequestStatus(ctx, "req-1", domain.RequestProcessing, ""))
	require.NoError(t, repo.UpdateRequestStatus(ctx, "req-1", domain.RequestSucceeded, ""))
	assert.ErrorIs(t, repo.UpdateRequestStatus(ctx, "req-1", domain.RequestProcessing, ""), ErrStaleStatus)
	assert.ErrorIs(t, repo.UpdateRequestStatus(ctx, "req-1", domain.RequestPending, ""), ErrStaleStatus)

	err := repo.CreatePayment(ctx,
		&domain.PaymentInstruction{InstructionID: "ins-2", RequestID: "req-1"},
		&domain.PaymentRequestRecord{RequestID: "req-1", InstructionID: "ins-2"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestMemoryRepository_ListRequestsByStatusHonoursAge(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		ts := base.Add(time.Duration(i) * 10 * time.Minute)
		require.NoError(t, repo.CreatePayment(ctx,
			&domain.PaymentInstruction{InstructionID: "ins-" + id, RequestID: id, Status: domain.PaymentPending},
			&domain.PaymentRequestRecord{RequestID: id, InstructionID: "ins-" + id, Status: domain.RequestPending, CreatedAt: ts, UpdatedAt: ts}))
	}

	got, err := repo.ListRequestsByStatus(ctx, domain.RequestPending, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].RequestID)
}

func TestMemoryRepository_ListInstructionsPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Now()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ins-%d", i)
		created := base.Add(time.Duration(i) * time.Second)
		instr := &domain.PaymentInstruction{InstructionID: id, RequestID: "req-" + id, Status: domain.PaymentFailed, Amount: decimal.NewFromInt(1), CreatedAt: created}
		rec := &domain.PaymentRequestRecord{RequestID: "req-" + id, InstructionID: id, Status: domain.RequestFailed, CreatedAt: created, UpdatedAt: created}
		require.NoError(t, repo.CreatePayment(ctx, instr, rec))
	}

	var seen []string
	for offset := 0; ; offset += 2 {
		page, err := repo.ListInstructions(ctx, domain.PaymentListFilter{Status: domain.PaymentFailed, Limit: 2, Offset: offset})
		require.NoError(t, err)
		for _, instr := range page {
			seen = append(seen, instr.InstructionID)
		}
		if len(page) < 2 {
			break
		}
	}
	assert.Equal(t, []string{"ins-4", "ins-3", "ins-2", "ins-1", "ins-0"}, seen)

	page, err := repo.ListInstructions(ctx, domain.PaymentListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}
