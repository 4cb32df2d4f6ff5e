/**
 * @description
 * PaymentWorker consumes payment work items and drives an instruction through
 * risk review, the payer-side account lock, freeze, clearing and settle-or-release.
 * Deliveries are at least once: the done and processing markers skip duplicate
 * deliveries, and the ledger's request-id dedup makes every funds step replayable.
 *
 * @dependencies
 * - internal/store: instruction and request registry persistence.
 * - internal/domain: status machine and error taxonomy.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/KongYiji1994/BankCore1/internal/domain"
	"github.com/KongYiji1994/BankCore1/internal/store"
)

// Ledger request ids for the sub-operations of one payment.
func freezeRequestID(requestID string) string   { return requestID + ":freeze" }
func settleRequestID(requestID string) string   { return requestID + ":settle" }
func unfreezeRequestID(requestID string) string { return requestID + ":unfreeze" }

// PaymentWorker processes one PaymentEvent at a time; run several for concurrency.
type PaymentWorker struct {
	repo         store.PaymentRepository
	ledger       Ledger
	risk         RiskOracle
	assessor     *RiskAssessor
	clearing     ClearingDispatcher
	idempotency  *IdempotencyManager
	payerLock    *DistributedLock
	events       *PaymentEventPublisher
	eventTimeout time.Duration
	now          func() time.Time
}

// PaymentWorkerDeps groups the worker's collaborators.
type PaymentWorkerDeps struct {
	Repo        store.PaymentRepository
	Ledger      Ledger
	Risk        RiskOracle
	Assessor    *RiskAssessor
	Clearing    ClearingDispatcher
	Idempotency *IdempotencyManager
	PayerLock   *DistributedLock
	Events      *PaymentEventPublisher
}

func NewPaymentWorker(deps PaymentWorkerDeps) *PaymentWorker {
	risk := deps.Risk
	if risk == nil {
		risk = ApproveAllRiskOracle{}
	}
	return &PaymentWorker{
		repo:         deps.Repo,
		ledger:       deps.Ledger,
		risk:         risk,
		assessor:     deps.Assessor,
		clearing:     deps.Clearing,
		idempotency:  deps.Idempotency,
		payerLock:    deps.PayerLock,
		events:       deps.Events,
		eventTimeout: 30 * time.Second,
		now:          time.Now,
	}
}

// HandleMessage decodes one queue delivery. It returns true to ack and false to
// requeue. Malformed payloads are acked so they do not loop.
func (w *PaymentWorker) HandleMessage(body []byte) bool {
	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=payment_worker msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		paymentEventsTotal.WithLabelValues("malformed").Inc()
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.eventTimeout)
	defer cancel()

	if err := w.ProcessEvent(ctx, event); err != nil {
		log.Printf("level=warn component=payment_worker msg=\"processing failed; requeueing\" request_id=%s instruction_id=%s err=%v",
			event.RequestID, event.InstructionID, err)
		paymentEventsTotal.WithLabelValues("requeued").Inc()
		return false
	}
	return true
}

// ProcessEvent runs the state machine for one delivery. A returned error means the
// delivery must be retried; the processing marker has been released.
func (w *PaymentWorker) ProcessEvent(ctx context.Context, event domain.PaymentEvent) error {
	if event.InstructionID == "" {
		log.Printf("level=warn component=payment_worker msg=\"event without instruction id; dropping\" request_id=%s", event.RequestID)
		paymentEventsTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	done, err := w.idempotency.IsDone(ctx, event.InstructionID)
	if err != nil {
		return fmt.Errorf("check done marker: %w", err)
	}
	if done {
		log.Printf("level=info component=payment_worker msg=\"instruction already processed; skipping\" instruction_id=%s", event.InstructionID)
		paymentEventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	token, ok, err := w.idempotency.TryMarkProcessing(ctx, event.InstructionID)
	if err != nil {
		return fmt.Errorf("acquire processing marker: %w", err)
	}
	if !ok {
		log.Printf("level=info component=payment_worker msg=\"instruction owned by another worker; skipping\" instruction_id=%s", event.InstructionID)
		paymentEventsTotal.WithLabelValues("in_flight").Inc()
		return nil
	}

	err = w.process(ctx, event.InstructionID)
	w.idempotency.ReleaseProcessing(ctx, event.InstructionID, token)
	if err != nil {
		return err
	}
	paymentEventsTotal.WithLabelValues("processed").Inc()
	return nil
}

func (w *PaymentWorker) process(ctx context.Context, instructionID string) error {
	instr, err := w.repo.GetInstruction(ctx, instructionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("level=warn component=payment_worker msg=\"instruction not found; dropping\" instruction_id=%s", instructionID)
			return nil
		}
		return fmt.Errorf("load instruction: %w", err)
	}

	if instr.Status.IsTerminal() {
		return w.reconcileTerminal(ctx, instr)
	}

	if err := w.updateRequest(ctx, instr.RequestID, domain.RequestProcessing, ""); err != nil {
		return err
	}

	if instr.Status == domain.PaymentPending {
		if err := w.transition(ctx, instr, domain.PaymentInRiskReview, nil, nil); err != nil {
			return err
		}
	}

	if instr.Status == domain.PaymentInRiskReview {
		decision, err := w.risk.Evaluate(ctx, domain.RiskEvaluation{
			RequestID:    instr.RequestID,
			CustomerID:   instr.PayerCustomerID,
			PayerAccount: instr.PayerAccount,
			Channel:      instr.Channel,
			Amount:       instr.Amount,
		})
		if err != nil {
			return fmt.Errorf("risk evaluation: %w", err)
		}

		switch decision.Result {
		case domain.RiskRejected:
			return w.reject(ctx, instr, instr.RiskScore, fmt.Sprintf("risk rejected: %s", decision.Reason))
		case domain.RiskReview:
			if err := w.updateRequest(ctx, instr.RequestID, domain.RequestProcessing, fmt.Sprintf("awaiting manual risk review: %s", decision.Reason)); err != nil {
				return err
			}
			w.idempotency.MarkDone(ctx, instr.InstructionID)
			log.Printf("level=info component=payment_worker msg=\"instruction held for review\" instruction_id=%s rule_id=%s", instr.InstructionID, decision.RuleID)
			return nil
		case domain.RiskApproved:
		default:
			return fmt.Errorf("risk evaluation returned unknown result %q", decision.Result)
		}
	}

	return w.moveFunds(ctx, instr.InstructionID)
}

// moveFunds runs the locked part of the state machine: local score, freeze,
// clearing and settle-or-release.
func (w *PaymentWorker) moveFunds(ctx context.Context, instructionID string) error {
	instr, err := w.repo.GetInstruction(ctx, instructionID)
	if err != nil {
		return fmt.Errorf("reload instruction: %w", err)
	}

	token, ok, err := w.payerLock.TryLock(ctx, instr.PayerAccount)
	if err != nil {
		return fmt.Errorf("acquire payer lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: payer account %s is busy", domain.ErrProcessing, instr.PayerAccount)
	}
	defer w.payerLock.Unlock(ctx, instr.PayerAccount, token)

	// Re-read under the lock: a manual transition may have landed meanwhile.
	instr, err = w.repo.GetInstruction(ctx, instructionID)
	if err != nil {
		return fmt.Errorf("reload instruction: %w", err)
	}
	if instr.Status.IsTerminal() {
		return w.reconcileTerminal(ctx, instr)
	}

	if instr.Status == domain.PaymentInRiskReview {
		score := w.assessor.Score(instr)
		if w.assessor.Rejects(score) {
			return w.reject(ctx, instr, score, fmt.Sprintf("local risk score %d meets reject threshold", score))
		}
		if err := w.transition(ctx, instr, domain.PaymentRiskApproved, &score, nil); err != nil {
			return err
		}
	}
	if instr.Status != domain.PaymentRiskApproved {
		return fmt.Errorf("%w: instruction %s is %s, cannot move funds", domain.ErrProcessing, instr.InstructionID, instr.Status)
	}

	if _, err := w.ledger.Freeze(ctx, instr.PayerAccount, instr.Amount, freezeRequestID(instr.RequestID)); err != nil {
		if isBusinessFailure(err) {
			return w.fail(ctx, instr, fmt.Sprintf("freeze rejected: %v", err))
		}
		return fmt.Errorf("freeze: %w", err)
	}

	outcome, err := w.clearing.Dispatch(ctx, instr)
	if err != nil {
		log.Printf("level=warn component=payment_worker msg=\"clearing dispatch failed; treating as failed\" instruction_id=%s err=%v", instr.InstructionID, err)
		outcome = domain.ClearingFailed
	}

	switch outcome {
	case domain.ClearingPosted:
		if _, err := w.ledger.Settle(ctx, instr.PayerAccount, instr.Amount, settleRequestID(instr.RequestID)); err != nil {
			if isBusinessFailure(err) {
				return w.releaseAndFail(ctx, instr, fmt.Sprintf("settle rejected: %v", err))
			}
			return fmt.Errorf("settle: %w", err)
		}
		if err := w.transition(ctx, instr, domain.PaymentPosted, nil, nil); err != nil {
			return err
		}
		return w.finish(ctx, instr, domain.RequestSucceeded, "")
	case domain.ClearingRequired:
		if err := w.transition(ctx, instr, domain.PaymentClearing, nil, nil); err != nil {
			return err
		}
		return w.finish(ctx, instr, domain.RequestSucceeded, "awaiting external clearing")
	default:
		return w.releaseAndFail(ctx, instr, "clearing failed")
	}
}

// releaseAndFail compensates a freeze before recording the failure.
func (w *PaymentWorker) releaseAndFail(ctx context.Context, instr *domain.PaymentInstruction, reason string) error {
	if _, err := w.ledger.Unfreeze(ctx, instr.PayerAccount, instr.Amount, unfreezeRequestID(instr.RequestID)); err != nil {
		return fmt.Errorf("unfreeze after %s: %w", reason, err)
	}
	return w.fail(ctx, instr, reason)
}

func (w *PaymentWorker) fail(ctx context.Context, instr *domain.PaymentInstruction, reason string) error {
	if err := w.transition(ctx, instr, domain.PaymentFailed, nil, &reason); err != nil {
		return err
	}
	return w.finish(ctx, instr, domain.RequestFailed, reason)
}

func (w *PaymentWorker) reject(ctx context.Context, instr *domain.PaymentInstruction, score int, reason string) error {
	if err := w.transition(ctx, instr, domain.PaymentRiskRejected, &score, &reason); err != nil {
		return err
	}
	return w.finish(ctx, instr, domain.RequestSucceeded, reason)
}

// transition applies a compare-and-swap from the instruction's current status and
// updates instr in place on success.
func (w *PaymentWorker) transition(ctx context.Context, instr *domain.PaymentInstruction, to domain.PaymentStatus, score *int, reason *string) error {
	ok, err := w.repo.TransitionInstruction(ctx, instr.InstructionID, store.InstructionTransition{
		From:          instr.Status,
		To:            to,
		RiskScore:     score,
		FailureReason: reason,
	})
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", instr.Status, to, err)
	}
	if !ok {
		return fmt.Errorf("%w: instruction %s changed state, cannot move %s -> %s", domain.ErrProcessing, instr.InstructionID, instr.Status, to)
	}
	log.Printf("level=info component=payment_worker msg=\"instruction transitioned\" instruction_id=%s from=%s to=%s", instr.InstructionID, instr.Status, to)
	instr.Status = to
	if score != nil {
		instr.RiskScore = *score
	}
	if reason != nil {
		instr.FailureReason = *reason
	}
	return nil
}

// finish records the request outcome, marks the instruction done and announces it.
// When the request update fails the instruction is left unmarked so that the
// redelivery reconciles the record from the terminal instruction.
func (w *PaymentWorker) finish(ctx context.Context, instr *domain.PaymentInstruction, status domain.RequestStatus, message string) error {
	if err := w.updateRequest(ctx, instr.RequestID, status, message); err != nil {
		return err
	}
	w.idempotency.MarkDone(ctx, instr.InstructionID)
	paymentOutcomesTotal.WithLabelValues(string(instr.Status)).Inc()
	if w.events != nil {
		w.events.PublishOutcome(ctx, domain.PaymentOutcomeEvent{
			RequestID:     instr.RequestID,
			InstructionID: instr.InstructionID,
			PayerAccount:  instr.PayerAccount,
			Amount:        instr.Amount,
			Currency:      instr.Currency,
			Status:        instr.Status,
			Message:       message,
			OccurredAt:    w.now().UTC(),
		})
	}
	log.Printf("level=info component=payment_worker msg=\"instruction finished\" instruction_id=%s request_id=%s status=%s request_status=%s",
		instr.InstructionID, instr.RequestID, instr.Status, status)
	return nil
}

// reconcileTerminal brings the request record in line with a terminal instruction
// found on redelivery or re-trigger.
func (w *PaymentWorker) reconcileTerminal(ctx context.Context, instr *domain.PaymentInstruction) error {
	var err error
	switch instr.Status {
	case domain.PaymentFailed:
		err = w.updateRequest(ctx, instr.RequestID, domain.RequestFailed, instr.FailureReason)
	case domain.PaymentClearing:
		err = w.updateRequest(ctx, instr.RequestID, domain.RequestSucceeded, "awaiting external clearing")
	default:
		err = w.updateRequest(ctx, instr.RequestID, domain.RequestSucceeded, instr.FailureReason)
	}
	if err != nil {
		return err
	}
	w.idempotency.MarkDone(ctx, instr.InstructionID)
	log.Printf("level=info component=payment_worker msg=\"instruction already terminal\" instruction_id=%s status=%s", instr.InstructionID, instr.Status)
	return nil
}

// updateRequest treats a record that already moved past status as success.
func (w *PaymentWorker) updateRequest(ctx context.Context, requestID string, status domain.RequestStatus, message string) error {
	err := w.repo.UpdateRequestStatus(ctx, requestID, status, message)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrStaleStatus):
		log.Printf("level=info component=payment_worker msg=\"request status already advanced\" request_id=%s target=%s err=%v", requestID, status, err)
		return nil
	default:
		return fmt.Errorf("update request %s to %s: %w", requestID, status, err)
	}
}

// isBusinessFailure reports whether a ledger error is a permanent rejection
// rather than a condition worth retrying.
func isBusinessFailure(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrBusinessRule) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidRequest)
}
