package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

func TestPaymentWorker_PostsLocalPayment(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 1000)

	instr := h.submit(t, "req-1", "payer", "CNY", 400)
	assert.Equal(t, domain.PaymentPending, instr.Status)
	require.Len(t, h.publisher.workItems(t), 1)

	h.deliver(t, "req-1", instr.InstructionID)

	got := h.instruction(t, instr.InstructionID)
	assert.Equal(t, domain.PaymentPosted, got.Status)
	assert.Greater(t, got.RiskScore, 0)
	assert.Equal(t, domain.RequestSucceeded, h.request(t, "req-1").Status)
	requireBalances(t, h.account(t, "payer"), 600, 600, 0)
	assert.True(t, h.hasEntry("req-1:freeze"))
	assert.True(t, h.hasEntry("req-1:settle"))
	assert.False(t, h.hasEntry("req-1:unfreeze"))

	outcomes := h.publisher.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "payment.outcome.posted", outcomes[0].routingKey)
}

func TestPaymentWorker_FailedClearingReleasesFunds(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 3000000)

	instr := h.submit(t, "req-big", "payer", "CNY", 2000000)
	h.deliver(t, "req-big", instr.InstructionID)

	got := h.instruction(t, instr.InstructionID)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Equal(t, "clearing failed", got.FailureReason)
	rec := h.request(t, "req-big")
	assert.Equal(t, domain.RequestFailed, rec.Status)
	assert.Equal(t, "clearing failed", rec.Message)

	requireBalances(t, h.account(t, "payer"), 3000000, 3000000, 0)
	assert.True(t, h.hasEntry("req-big:freeze"))
	assert.True(t, h.hasEntry("req-big:unfreeze"))
	assert.False(t, h.hasEntry("req-big:settle"))
}

func TestPaymentWorker_ForeignPaymentAwaitsClearing(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 100000)

	instr := h.submit(t, "req-fx", "payer", "USD", 25000)
	h.deliver(t, "req-fx", instr.InstructionID)

	assert.Equal(t, domain.PaymentClearing, h.instruction(t, instr.InstructionID).Status)
	rec := h.request(t, "req-fx")
	assert.Equal(t, domain.RequestSucceeded, rec.Status)
	assert.Equal(t, "awaiting external clearing", rec.Message)
	requireBalances(t, h.account(t, "payer"), 100000, 75000, 25000)
	assert.False(t, h.hasEntry("req-fx:unfreeze"))
}

func TestPaymentWorker_RiskRejectionNeverFreezes(t *testing.T) {
	h := newHarness(t)
	h.risk.decision = domain.RiskDecision{Result: domain.RiskRejected, Reason: "sanctions hit", RuleID: "R-9"}
	h.openAccount(t, "payer", "cust-1", 1000)

	instr := h.submit(t, "req-risk", "payer", "CNY", 100)
	h.deliver(t, "req-risk", instr.InstructionID)

	got := h.instruction(t, instr.InstructionID)
	assert.Equal(t, domain.PaymentRiskRejected, got.Status)
	assert.Contains(t, got.FailureReason, "sanctions hit")
	assert.Equal(t, domain.RequestSucceeded, h.request(t, "req-risk").Status)
	assert.False(t, h.hasEntry("req-risk:freeze"))
	requireBalances(t, h.account(t, "payer"), 1000, 1000, 0)
}

func TestPaymentWorker_LocalScoreRejects(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 5000000)

	// 40 for amount, 15 foreign, 10 cash, 5 urgent on top of the base 10.
	instr, err := h.payments.Submit(context.Background(), domain.SubmitPaymentRequest{
		RequestID:    "req-score",
		PayerAccount: "payer",
		PayeeAccount: "payee",
		Currency:     "EUR",
		Amount:       mustDecimal(t, "900000"),
		Purpose:      "Cash withdrawal",
		Priority:     1,
	})
	require.NoError(t, err)
	h.deliver(t, "req-score", instr.InstructionID)

	got := h.instruction(t, instr.InstructionID)
	assert.Equal(t, domain.PaymentRiskRejected, got.Status)
	assert.Equal(t, 80, got.RiskScore)
	assert.False(t, h.hasEntry("req-score:freeze"))
}

func TestPaymentWorker_InsufficientFundsFailsWithoutRelease(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 50)

	instr := h.submit(t, "req-poor", "payer", "CNY", 100)
	h.deliver(t, "req-poor", instr.InstructionID)

	got := h.instruction(t, instr.InstructionID)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Contains(t, got.FailureReason, "freeze rejected")
	assert.Equal(t, domain.RequestFailed, h.request(t, "req-poor").Status)
	assert.False(t, h.hasEntry("req-poor:freeze"))
	assert.False(t, h.hasEntry("req-poor:unfreeze"))
	requireBalances(t, h.account(t, "payer"), 50, 50, 0)
}

func TestPaymentWorker_ReviewHoldsUntilApproved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.risk.decision = domain.RiskDecision{Result: domain.RiskReview, Reason: "velocity"}
	h.openAccount(t, "payer", "cust-1", 1000)

	instr := h.submit(t, "req-review", "payer", "CNY", 200)
	h.deliver(t, "req-review", instr.InstructionID)

	assert.Equal(t, domain.PaymentInRiskReview, h.instruction(t, instr.InstructionID).Status)
	rec := h.request(t, "req-review")
	assert.Equal(t, domain.RequestProcessing, rec.Status)
	assert.Contains(t, rec.Message, "velocity")

	// Redelivery is a no-op while the done marker is set.
	h.deliver(t, "req-review", instr.InstructionID)
	assert.Equal(t, 1, h.risk.calls)

	_, err := h.payments.RiskApprove(ctx, instr.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRiskApproved, h.instruction(t, instr.InstructionID).Status)

	items := h.publisher.workItems(t)
	require.Len(t, items, 2)
	h.deliver(t, items[1].RequestID, items[1].InstructionID)

	assert.Equal(t, domain.PaymentPosted, h.instruction(t, instr.InstructionID).Status)
	assert.Equal(t, 1, h.risk.calls, "approved instructions skip the oracle")
	requireBalances(t, h.account(t, "payer"), 800, 800, 0)

	_, err = h.payments.RiskApprove(ctx, instr.InstructionID)
	require.ErrorIs(t, err, domain.ErrProcessing)
}

func TestPaymentWorker_DuplicateDeliveriesMoveFundsOnce(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 1000)
	instr := h.submit(t, "req-dup", "payer", "CNY", 300)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.worker.ProcessEvent(context.Background(), domain.PaymentEvent{RequestID: "req-dup", InstructionID: instr.InstructionID})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.PaymentPosted, h.instruction(t, instr.InstructionID).Status)
	requireBalances(t, h.account(t, "payer"), 700, 700, 0)
	entries, err := h.accounts.ListEntries(context.Background(), "payer")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// A late redelivery after the done marker expired still moves nothing.
	require.NoError(t, h.worker.idempotency.ClearDone(context.Background(), instr.InstructionID))
	h.deliver(t, "req-dup", instr.InstructionID)
	requireBalances(t, h.account(t, "payer"), 700, 700, 0)
}

func TestPaymentWorker_ResumesAfterCrashBetweenFreezeAndSettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 1000)
	instr := h.submit(t, "req-crash", "payer", "CNY", 250)

	// The previous attempt approved the instruction and froze the funds, then died.
	_, err := h.repo.TransitionInstruction(ctx, instr.InstructionID, transitionTo(domain.PaymentPending, domain.PaymentRiskApproved))
	require.ErrorIs(t, err, domain.ErrBusinessRule, "PENDING cannot jump to RISK_APPROVED")
	ok, err := h.repo.TransitionInstruction(ctx, instr.InstructionID, transitionTo(domain.PaymentPending, domain.PaymentInRiskReview))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.repo.TransitionInstruction(ctx, instr.InstructionID, transitionTo(domain.PaymentInRiskReview, domain.PaymentRiskApproved))
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.accounts.Freeze(ctx, "payer", instr.Amount, "req-crash:freeze")
	require.NoError(t, err)

	h.deliver(t, "req-crash", instr.InstructionID)

	assert.Equal(t, domain.PaymentPosted, h.instruction(t, instr.InstructionID).Status)
	assert.Equal(t, 0, h.risk.calls)
	requireBalances(t, h.account(t, "payer"), 750, 750, 0)
}

func TestPaymentWorker_BusyPayerRequeues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.openAccount(t, "payer", "cust-1", 1000)
	instr := h.submit(t, "req-busy", "payer", "CNY", 100)

	lock := NewDistributedLock(h.kv, PaymentAccountLockNamespace, 0)
	token, ok, err := lock.TryLock(ctx, "payer")
	require.NoError(t, err)
	require.True(t, ok)

	body, err := json.Marshal(domain.PaymentEvent{RequestID: "req-busy", InstructionID: instr.InstructionID})
	require.NoError(t, err)
	assert.False(t, h.worker.HandleMessage(body), "busy payer must be requeued")
	assert.Equal(t, domain.PaymentInRiskReview, h.instruction(t, instr.InstructionID).Status)

	lock.Unlock(ctx, "payer", token)
	assert.True(t, h.worker.HandleMessage(body))
	assert.Equal(t, domain.PaymentPosted, h.instruction(t, instr.InstructionID).Status)
	assert.Equal(t, 2, h.risk.calls)
}

func TestPaymentWorker_MalformedPayloadIsAcked(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.worker.HandleMessage([]byte("{not json")))
	assert.True(t, h.worker.HandleMessage([]byte(`{"requestId":"x"}`)))
	assert.True(t, h.worker.HandleMessage([]byte(`{"requestId":"x","instructionId":"missing"}`)))
}
