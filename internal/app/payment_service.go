/**
 * @description
 * PaymentService is the synchronous side of the orchestrator: idempotent
 * submission, manual and batch re-triggers, and the compare-and-swap status
 * endpoints. Asynchronous processing lives in PaymentWorker.
 *
 * @dependencies
 * - github.com/google/uuid: instruction ids when the caller omits one.
 * - golang.org/x/sync/errgroup: bounded fan-out for batch re-triggers.
 * - internal/store: instruction and request registry persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/KongYiji1994/BankCore1/internal/domain"
	"github.com/KongYiji1994/BankCore1/internal/store"
)

// PaymentService accepts payments and exposes the operator endpoints.
type PaymentService struct {
	repo             store.PaymentRepository
	ledger           Ledger
	customers        CustomerDirectory
	idempotency      *IdempotencyManager
	payerLock        *DistributedLock
	events           *PaymentEventPublisher
	worker           *PaymentWorker
	batchConcurrency int
	now              func() time.Time
}

// PaymentServiceDeps groups the service's collaborators.
type PaymentServiceDeps struct {
	Repo             store.PaymentRepository
	Ledger           Ledger
	Customers        CustomerDirectory
	Idempotency      *IdempotencyManager
	PayerLock        *DistributedLock
	Events           *PaymentEventPublisher
	Worker           *PaymentWorker
	BatchConcurrency int
}

func NewPaymentService(deps PaymentServiceDeps) *PaymentService {
	customers := deps.Customers
	if customers == nil {
		customers = ActiveCustomerDirectory{}
	}
	concurrency := deps.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PaymentService{
		repo:             deps.Repo,
		ledger:           deps.Ledger,
		customers:        customers,
		idempotency:      deps.Idempotency,
		payerLock:        deps.PayerLock,
		events:           deps.Events,
		worker:           deps.Worker,
		batchConcurrency: concurrency,
		now:              time.Now,
	}
}

// Submit accepts a payment once per request id. Repeated calls return the
// original instruction; a request that already failed returns ErrFailed.
func (s *PaymentService) Submit(ctx context.Context, req domain.SubmitPaymentRequest) (instr *domain.PaymentInstruction, err error) {
	outcome := "accepted"
	defer func() {
		if err != nil {
			outcome = submitErrorOutcome(err)
		}
		paymentSubmissionsTotal.WithLabelValues(outcome).Inc()
	}()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	token, ok, err := s.idempotency.TryLockRequest(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("acquire request lock: %w", err)
	}
	if !ok {
		existing, found, err := s.existingOutcome(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: request %s is already in flight", domain.ErrProcessing, req.RequestID)
		}
		outcome = "replayed"
		return existing, nil
	}
	defer s.idempotency.UnlockRequest(ctx, req.RequestID, token)

	if existing, found, err := s.existingOutcome(ctx, req.RequestID); err != nil || found {
		if found && err == nil {
			outcome = "replayed"
		}
		return existing, err
	}

	acct, err := s.ledger.GetAccount(ctx, req.PayerAccount)
	if err != nil {
		return nil, err
	}
	if acct.Status == domain.AccountClosed {
		return nil, fmt.Errorf("%w: payer account %s is closed", domain.ErrBusinessRule, acct.AccountID)
	}
	customer, err := s.customers.GetCustomer(ctx, acct.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("resolve payer customer: %w", err)
	}
	if customer.IsBlocked() {
		log.Printf("level=warn component=payment_service msg=\"submission rejected; customer blocked\" request_id=%s customer_id=%s", req.RequestID, acct.CustomerID)
		return nil, fmt.Errorf("%w: customer %s is blocked", domain.ErrRiskRejected, acct.CustomerID)
	}

	now := s.now().UTC()
	instructionID := req.InstructionID
	if instructionID == "" {
		instructionID = uuid.NewString()
	}
	instr = &domain.PaymentInstruction{
		InstructionID:       instructionID,
		RequestID:           req.RequestID,
		PayerAccount:        req.PayerAccount,
		PayeeAccount:        req.PayeeAccount,
		PayerCustomerID:     acct.CustomerID,
		PayerCustomerStatus: customer.Status,
		Currency:            req.Currency,
		Amount:              req.Amount,
		Purpose:             req.Purpose,
		Channel:             req.Channel,
		BatchID:             req.BatchID,
		Priority:            req.Priority,
		Status:              domain.PaymentPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	record := &domain.PaymentRequestRecord{
		RequestID:     req.RequestID,
		InstructionID: instructionID,
		Status:        domain.RequestPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.CreatePayment(ctx, instr, record); err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			existing, found, lookupErr := s.existingOutcome(ctx, req.RequestID)
			if lookupErr == nil && found {
				outcome = "replayed"
				return existing, nil
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrBusinessRule, err)
		}
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	// The instruction is durable from here on; a lost publish is picked up by the sweeper.
	if err := s.events.PublishPaymentEvent(ctx, domain.PaymentEvent{RequestID: req.RequestID, InstructionID: instructionID}); err != nil {
		log.Printf("level=warn component=payment_service msg=\"work item publish failed; left for sweeper\" request_id=%s instruction_id=%s err=%v",
			req.RequestID, instructionID, err)
	}

	log.Printf("level=info component=payment_service msg=\"payment accepted\" request_id=%s instruction_id=%s payer=%s amount=%s currency=%s",
		req.RequestID, instructionID, req.PayerAccount, req.Amount, req.Currency)
	return instr, nil
}

// existingOutcome resolves a request id that already has a record.
func (s *PaymentService) existingOutcome(ctx context.Context, requestID string) (*domain.PaymentInstruction, bool, error) {
	rec, err := s.repo.GetRequestRecord(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if rec.Status == domain.RequestFailed {
		return nil, true, fmt.Errorf("%w: request %s previously failed: %s", domain.ErrFailed, requestID, rec.Message)
	}
	instr, err := s.repo.GetInstruction(ctx, rec.InstructionID)
	if err != nil {
		return nil, true, err
	}
	return instr, true, nil
}

// EnqueueForProcessing re-publishes an instruction's work item.
func (s *PaymentService) EnqueueForProcessing(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	instr, err := s.prepareRetrigger(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	if err := s.events.PublishPaymentEvent(ctx, domain.PaymentEvent{RequestID: instr.RequestID, InstructionID: instr.InstructionID}); err != nil {
		return nil, fmt.Errorf("publish work item: %w", err)
	}
	log.Printf("level=info component=payment_service msg=\"instruction re-enqueued\" instruction_id=%s status=%s", instr.InstructionID, instr.Status)
	return instr, nil
}

// prepareRetrigger clears the done marker and reopens a failed request whose
// instruction can still make progress.
func (s *PaymentService) prepareRetrigger(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	instructionID = strings.TrimSpace(instructionID)
	if instructionID == "" {
		return nil, fmt.Errorf("%w: instruction id is required", domain.ErrInvalidRequest)
	}
	instr, err := s.repo.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	if err := s.idempotency.ClearDone(ctx, instructionID); err != nil {
		return nil, fmt.Errorf("clear done marker: %w", err)
	}
	if !instr.Status.IsTerminal() {
		rec, err := s.repo.GetRequestRecord(ctx, instr.RequestID)
		if err == nil && rec.Status == domain.RequestFailed {
			if err := s.repo.UpdateRequestStatus(ctx, instr.RequestID, domain.RequestPending, "re-enqueued"); err != nil {
				return nil, err
			}
		}
	}
	return instr, nil
}

// ProcessBatch re-triggers every id through the worker path and waits for each.
func (s *PaymentService) ProcessBatch(ctx context.Context, instructionIDs []string) (*domain.BatchResult, error) {
	seen := make(map[string]struct{}, len(instructionIDs))
	ids := make([]string, 0, len(instructionIDs))
	for _, id := range instructionIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: instructionIds must not be empty", domain.ErrInvalidRequest)
	}

	var (
		mu     sync.Mutex
		result = &domain.BatchResult{Total: len(ids)}
	)
	record := func(id string, status domain.PaymentStatus, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil && (status == domain.PaymentPosted || status == domain.PaymentClearing):
			result.Succeeded++
		case err == nil && status == domain.PaymentRiskRejected:
			result.Rejected++
		case err == nil && !status.IsTerminal():
			result.Pending++
			result.PendingIDs = append(result.PendingIDs, id)
		default:
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			instr, err := s.prepareRetrigger(gctx, id)
			if err == nil {
				err = s.worker.ProcessEvent(gctx, domain.PaymentEvent{RequestID: instr.RequestID, InstructionID: id})
			}
			if err == nil {
				instr, err = s.repo.GetInstruction(gctx, id)
			}
			if err != nil {
				log.Printf("level=warn component=payment_service msg=\"batch item failed\" instruction_id=%s err=%v", id, err)
				record(id, "", err)
				return nil
			}
			record(id, instr.Status, nil)
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("level=info component=payment_service msg=\"batch processed\" total=%d succeeded=%d rejected=%d failed=%d",
		result.Total, result.Succeeded, result.Rejected, result.Failed)
	return result, nil
}

// RiskApprove moves an instruction held for review to RISK_APPROVED and
// re-enqueues it so the worker moves the funds.
func (s *PaymentService) RiskApprove(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	if err := s.compareAndSet(ctx, instructionID, domain.PaymentInRiskReview, domain.PaymentRiskApproved, nil); err != nil {
		return nil, err
	}
	log.Printf("level=info component=payment_service msg=\"instruction risk approved\" instruction_id=%s", instructionID)
	return s.EnqueueForProcessing(ctx, instructionID)
}

// Post completes a CLEARING instruction by settling its outstanding hold.
func (s *PaymentService) Post(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	instr, unlock, err := s.lockPayer(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if instr.Status != domain.PaymentClearing {
		return nil, fmt.Errorf("%w: instruction %s is %s, expected %s", domain.ErrProcessing, instructionID, instr.Status, domain.PaymentClearing)
	}
	if _, err := s.ledger.Settle(ctx, instr.PayerAccount, instr.Amount, settleRequestID(instr.RequestID)); err != nil {
		return nil, err
	}
	if err := s.compareAndSet(ctx, instructionID, domain.PaymentClearing, domain.PaymentPosted, nil); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateRequestStatus(ctx, instr.RequestID, domain.RequestSucceeded, "posted after external clearing"); err != nil && !errors.Is(err, store.ErrStaleStatus) {
		return nil, err
	}
	instr.Status = domain.PaymentPosted
	s.announce(ctx, instr, "posted after external clearing")
	return instr, nil
}

// Fail terminates a non-final instruction, releasing any outstanding hold first.
func (s *PaymentService) Fail(ctx context.Context, instructionID, reason string) (*domain.PaymentInstruction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "failed by operator"
	}
	instr, unlock, err := s.lockPayer(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !domain.CanTransition(instr.Status, domain.PaymentFailed) {
		return nil, fmt.Errorf("%w: instruction %s is %s and cannot fail", domain.ErrProcessing, instructionID, instr.Status)
	}
	held, err := s.HasOutstandingHold(ctx, instr)
	if err != nil {
		return nil, err
	}
	if held {
		if _, err := s.ledger.Unfreeze(ctx, instr.PayerAccount, instr.Amount, unfreezeRequestID(instr.RequestID)); err != nil {
			return nil, err
		}
	}
	if err := s.compareAndSet(ctx, instructionID, instr.Status, domain.PaymentFailed, &reason); err != nil {
		return nil, err
	}

	// A CLEARING request already reported SUCCEEDED; records never move backwards,
	// so only the message is refreshed in that case.
	rec, err := s.repo.GetRequestRecord(ctx, instr.RequestID)
	if err != nil {
		return nil, err
	}
	target := domain.RequestFailed
	if rec.Status == domain.RequestSucceeded {
		target = domain.RequestSucceeded
	}
	if err := s.repo.UpdateRequestStatus(ctx, instr.RequestID, target, reason); err != nil && !errors.Is(err, store.ErrStaleStatus) {
		return nil, err
	}
	s.idempotency.MarkDone(ctx, instructionID)

	instr.Status = domain.PaymentFailed
	instr.FailureReason = reason
	s.announce(ctx, instr, reason)
	return instr, nil
}

// HasOutstandingHold reports whether the instruction froze funds that were
// neither settled nor released.
func (s *PaymentService) HasOutstandingHold(ctx context.Context, instr *domain.PaymentInstruction) (bool, error) {
	exists := func(requestID string) (bool, error) {
		if _, err := s.ledger.FindEntry(ctx, requestID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	frozen, err := exists(freezeRequestID(instr.RequestID))
	if err != nil || !frozen {
		return false, err
	}
	settled, err := exists(settleRequestID(instr.RequestID))
	if err != nil || settled {
		return false, err
	}
	released, err := exists(unfreezeRequestID(instr.RequestID))
	if err != nil {
		return false, err
	}
	return !released, nil
}

// ReleaseHold unfreezes an outstanding hold of a FAILED instruction under the
// payer lock. It reports whether funds were released.
func (s *PaymentService) ReleaseHold(ctx context.Context, instructionID string) (bool, error) {
	instr, unlock, err := s.lockPayer(ctx, instructionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if instr.Status != domain.PaymentFailed {
		return false, nil
	}
	held, err := s.HasOutstandingHold(ctx, instr)
	if err != nil || !held {
		return false, err
	}
	if _, err := s.ledger.Unfreeze(ctx, instr.PayerAccount, instr.Amount, unfreezeRequestID(instr.RequestID)); err != nil {
		return false, err
	}
	log.Printf("level=info component=payment_service msg=\"outstanding hold released\" instruction_id=%s payer=%s amount=%s",
		instr.InstructionID, instr.PayerAccount, instr.Amount)
	return true, nil
}

func (s *PaymentService) GetInstruction(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	return s.repo.GetInstruction(ctx, instructionID)
}

func (s *PaymentService) ListInstructions(ctx context.Context, filter domain.PaymentListFilter) ([]domain.PaymentInstruction, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListInstructions(ctx, filter)
}

func (s *PaymentService) GetRequest(ctx context.Context, requestID string) (*domain.PaymentRequestRecord, error) {
	return s.repo.GetRequestRecord(ctx, requestID)
}

// Republish re-sends the work item of a request that never left PENDING.
func (s *PaymentService) Republish(ctx context.Context, rec domain.PaymentRequestRecord) error {
	return s.events.PublishPaymentEvent(ctx, domain.PaymentEvent{RequestID: rec.RequestID, InstructionID: rec.InstructionID})
}

func (s *PaymentService) compareAndSet(ctx context.Context, instructionID string, from, to domain.PaymentStatus, reason *string) error {
	ok, err := s.repo.TransitionInstruction(ctx, instructionID, store.InstructionTransition{From: from, To: to, FailureReason: reason})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: instruction %s state changed, cannot apply %s -> %s", domain.ErrProcessing, instructionID, from, to)
	}
	log.Printf("level=info component=payment_service msg=\"instruction transitioned\" instruction_id=%s from=%s to=%s", instructionID, from, to)
	return nil
}

// lockPayer loads the instruction and takes the payer-side account lock the
// worker uses, so manual transitions never interleave with funds movement.
func (s *PaymentService) lockPayer(ctx context.Context, instructionID string) (*domain.PaymentInstruction, func(), error) {
	instr, err := s.repo.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, nil, err
	}
	token, ok, err := s.payerLock.TryLock(ctx, instr.PayerAccount)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire payer lock: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: payer account %s is busy", domain.ErrProcessing, instr.PayerAccount)
	}
	unlock := func() { s.payerLock.Unlock(ctx, instr.PayerAccount, token) }

	instr, err = s.repo.GetInstruction(ctx, instructionID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return instr, unlock, nil
}

func (s *PaymentService) announce(ctx context.Context, instr *domain.PaymentInstruction, message string) {
	paymentOutcomesTotal.WithLabelValues(string(instr.Status)).Inc()
	if s.events == nil {
		return
	}
	s.events.PublishOutcome(ctx, domain.PaymentOutcomeEvent{
		RequestID:     instr.RequestID,
		InstructionID: instr.InstructionID,
		PayerAccount:  instr.PayerAccount,
		Amount:        instr.Amount,
		Currency:      instr.Currency,
		Status:        instr.Status,
		Message:       message,
		OccurredAt:    s.now().UTC(),
	})
}

func submitErrorOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrProcessing):
		return "busy"
	case errors.Is(err, domain.ErrFailed):
		return "replayed"
	case errors.Is(err, domain.ErrRiskRejected), errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrBusinessRule):
		return "rejected"
	default:
		return "error"
	}
}
