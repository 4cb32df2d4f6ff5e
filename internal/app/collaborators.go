package app

import (
	"context"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

// Ledger is the account contract the orchestrator drives. AccountService
// implements it in-process and accountclient.Client implements it over HTTP.
type Ledger interface {
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error)
	Freeze(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error)
	Settle(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error)
	Unfreeze(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error)
	Close(ctx context.Context, accountID string) (*domain.Account, error)
	FindEntry(ctx context.Context, requestID string) (*domain.LedgerEntry, error)
}

// RiskOracle returns an approve/review/reject verdict for a payment.
type RiskOracle interface {
	Evaluate(ctx context.Context, eval domain.RiskEvaluation) (*domain.RiskDecision, error)
}

// CustomerDirectory resolves the owner of a payer account.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
}

// MessagePublisher is implemented by the RabbitMQ producer and by MemoryQueue.
type MessagePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// ApproveAllRiskOracle is used when no remote risk service is configured. The
// local score check still runs afterwards.
type ApproveAllRiskOracle struct{}

func (ApproveAllRiskOracle) Evaluate(ctx context.Context, eval domain.RiskEvaluation) (*domain.RiskDecision, error) {
	return &domain.RiskDecision{Result: domain.RiskApproved, Reason: "no remote risk service configured", RuleID: "local-default"}, nil
}

// ActiveCustomerDirectory is used when no customer service is configured.
type ActiveCustomerDirectory struct{}

func (ActiveCustomerDirectory) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	return &domain.Customer{CustomerID: customerID, Status: "ACTIVE"}, nil
}

// PaymentEventPublisher routes work items and outcome events to their exchanges.
type PaymentEventPublisher struct {
	publisher       MessagePublisher
	exchange        string
	routingKey      string
	outcomeExchange string
}

func NewPaymentEventPublisher(publisher MessagePublisher, exchange, routingKey, outcomeExchange string) *PaymentEventPublisher {
	return &PaymentEventPublisher{
		publisher:       publisher,
		exchange:        exchange,
		routingKey:      routingKey,
		outcomeExchange: outcomeExchange,
	}
}

// PublishesOutcomes reports whether outcome events are sent at all. An empty
// outcome exchange disables them.
func (p *PaymentEventPublisher) PublishesOutcomes() bool {
	return p.outcomeExchange != ""
}

func (p *PaymentEventPublisher) PublishPaymentEvent(ctx context.Context, event domain.PaymentEvent) error {
	return p.publisher.Publish(ctx, p.exchange, p.routingKey, event)
}

// PublishOutcome is fire-and-forget: downstream consumers tolerate gaps.
func (p *PaymentEventPublisher) PublishOutcome(ctx context.Context, event domain.PaymentOutcomeEvent) {
	if !p.PublishesOutcomes() {
		return
	}
	routingKey := "payment.outcome." + strings.ToLower(string(event.Status))
	if err := p.publisher.Publish(ctx, p.outcomeExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=payment_worker msg=\"outcome event publish failed\" instruction_id=%s status=%s err=%v",
			event.InstructionID, event.Status, err)
	}
}
