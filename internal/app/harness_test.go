package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/domain"
	"github.com/KongYiji1994/BankCore1/internal/store"
)

const (
	testWorkExchange    = "payment.events.exchange"
	testWorkRoutingKey  = "payment.events"
	testOutcomeExchange = "bankcore.events"
)

type recordedMessage struct {
	exchange   string
	routingKey string
	body       []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []recordedMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, recordedMessage{exchange: exchange, routingKey: routingKey, body: raw})
	return nil
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) workItems(t *testing.T) []domain.PaymentEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.PaymentEvent
	for _, m := range p.messages {
		if m.exchange != testWorkExchange {
			continue
		}
		var ev domain.PaymentEvent
		require.NoError(t, json.Unmarshal(m.body, &ev))
		out = append(out, ev)
	}
	return out
}

func (p *recordingPublisher) outcomes(t *testing.T) []recordedMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedMessage
	for _, m := range p.messages {
		if m.exchange == testOutcomeExchange {
			out = append(out, m)
		}
	}
	return out
}

type stubRiskOracle struct {
	mu       sync.Mutex
	decision domain.RiskDecision
	calls    int
}

func (o *stubRiskOracle) Evaluate(ctx context.Context, eval domain.RiskEvaluation) (*domain.RiskDecision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	d := o.decision
	return &d, nil
}

type stubCustomerDirectory struct {
	blocked map[string]bool
}

func (d stubCustomerDirectory) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	status := "ACTIVE"
	if d.blocked[customerID] {
		status = domain.CustomerBlocked
	}
	return &domain.Customer{CustomerID: customerID, Status: status}, nil
}

type harness struct {
	repo      *store.MemoryRepository
	kv        *MemoryKeyValueStore
	accounts  *AccountService
	worker    *PaymentWorker
	payments  *PaymentService
	publisher *recordingPublisher
	risk      *stubRiskOracle
	customers stubCustomerDirectory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:      store.NewMemoryRepository(),
		kv:        NewMemoryKeyValueStore(),
		publisher: &recordingPublisher{},
		risk:      &stubRiskOracle{decision: domain.RiskDecision{Result: domain.RiskApproved}},
		customers: stubCustomerDirectory{blocked: map[string]bool{}},
	}
	h.accounts = NewAccountService(h.repo, NewAccountLock(h.kv, 30*time.Second))

	idem := NewIdempotencyManager(h.kv, IdempotencyTTLs{
		RequestLock: 2 * time.Minute,
		Processing:  5 * time.Minute,
		Done:        time.Hour,
	})
	payerLock := NewDistributedLock(h.kv, PaymentAccountLockNamespace, time.Minute)
	events := NewPaymentEventPublisher(h.publisher, testWorkExchange, testWorkRoutingKey, testOutcomeExchange)

	h.worker = NewPaymentWorker(PaymentWorkerDeps{
		Repo:        h.repo,
		Ledger:      h.accounts,
		Risk:        h.risk,
		Assessor:    NewRiskAssessor("CNY", 80),
		Clearing:    NewThresholdClearingDispatcher("CNY", decimal.NewFromInt(1000000), decimal.NewFromInt(20000)),
		Idempotency: idem,
		PayerLock:   payerLock,
		Events:      events,
	})
	h.payments = NewPaymentService(PaymentServiceDeps{
		Repo:        h.repo,
		Ledger:      h.accounts,
		Customers:   h.customers,
		Idempotency: idem,
		PayerLock:   payerLock,
		Events:      events,
		Worker:      h.worker,
	})
	return h
}

func (h *harness) openAccount(t *testing.T, id, customerID string, opening int64) {
	t.Helper()
	_, err := h.accounts.CreateAccount(context.Background(), domain.CreateAccountRequest{
		AccountID:      id,
		CustomerID:     customerID,
		Currency:       "CNY",
		OpeningBalance: decimal.NewFromInt(opening),
	})
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, requestID, payer, currency string, amount int64) *domain.PaymentInstruction {
	t.Helper()
	instr, err := h.payments.Submit(context.Background(), domain.SubmitPaymentRequest{
		RequestID:    requestID,
		PayerAccount: payer,
		PayeeAccount: "payee-" + payer,
		Currency:     currency,
		Amount:       decimal.NewFromInt(amount),
		Purpose:      "invoice",
	})
	require.NoError(t, err)
	return instr
}

// deliver runs the worker for instructionID the way a queue delivery would.
func (h *harness) deliver(t *testing.T, requestID, instructionID string) {
	t.Helper()
	body, err := json.Marshal(domain.PaymentEvent{RequestID: requestID, InstructionID: instructionID})
	require.NoError(t, err)
	require.True(t, h.worker.HandleMessage(body), "delivery should be acked")
}

func (h *harness) instruction(t *testing.T, id string) *domain.PaymentInstruction {
	t.Helper()
	instr, err := h.repo.GetInstruction(context.Background(), id)
	require.NoError(t, err)
	return instr
}

func (h *harness) request(t *testing.T, requestID string) *domain.PaymentRequestRecord {
	t.Helper()
	rec, err := h.repo.GetRequestRecord(context.Background(), requestID)
	require.NoError(t, err)
	return rec
}

func (h *harness) account(t *testing.T, id string) *domain.Account {
	t.Helper()
	acct, err := h.accounts.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct
}

func (h *harness) hasEntry(requestID string) bool {
	_, err := h.accounts.FindEntry(context.Background(), requestID)
	return err == nil
}

func requireBalances(t *testing.T, acct *domain.Account, total, available, frozen int64) {
	t.Helper()
	require.Truef(t, acct.TotalBalance.Equal(decimal.NewFromInt(total)), "total: want %d got %s", total, acct.TotalBalance)
	require.Truef(t, acct.AvailableBalance.Equal(decimal.NewFromInt(available)), "available: want %d got %s", available, acct.AvailableBalance)
	require.Truef(t, acct.FrozenBalance.Equal(decimal.NewFromInt(frozen)), "frozen: want %d got %s", frozen, acct.FrozenBalance)
	require.NoError(t, acct.CheckInvariant())
}

func transitionTo(from, to domain.PaymentStatus) store.InstructionTransition {
	return store.InstructionTransition{From: from, To: to}
}

func mustDecimal(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}
