package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/KongYiji1994/BankCore1/internal/domain"
	"github.com/KongYiji1994/BankCore1/internal/store"
)

const sweepBatchSize = 100

// SweepReport summarises one sweeper pass.
type SweepReport struct {
	Republished   int
	HoldsReleased int
	Errors        int
}

// ReconcileSweeper repairs the two gaps at-least-once delivery leaves open: work
// items lost after a payment was accepted, and holds left on FAILED instructions.
type ReconcileSweeper struct {
	repo       store.PaymentRepository
	payments   *PaymentService
	pendingAge time.Duration
	now        func() time.Time
}

func NewReconcileSweeper(repo store.PaymentRepository, payments *PaymentService, pendingAge time.Duration) *ReconcileSweeper {
	if pendingAge <= 0 {
		pendingAge = 5 * time.Minute
	}
	return &ReconcileSweeper{repo: repo, payments: payments, pendingAge: pendingAge, now: time.Now}
}

// RunOnce performs a single pass. Per-item failures are counted and logged; only
// listing failures abort the pass.
func (s *ReconcileSweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	cutoff := s.now().UTC().Add(-s.pendingAge)
	stale, err := s.repo.ListRequestsByStatus(ctx, domain.RequestPending, cutoff, sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list pending requests: %w", err)
	}
	for _, rec := range stale {
		if err := s.payments.Republish(ctx, rec); err != nil {
			report.Errors++
			sweeperActionsTotal.WithLabelValues("republish_error").Inc()
			log.Printf("level=warn component=sweeper msg=\"republish failed\" request_id=%s err=%v", rec.RequestID, err)
			continue
		}
		report.Republished++
		sweeperActionsTotal.WithLabelValues("republished").Inc()
		log.Printf("level=info component=sweeper msg=\"stale pending request republished\" request_id=%s instruction_id=%s", rec.RequestID, rec.InstructionID)
	}

	// FAILED is terminal, so pages only grow at the head: offsets may revisit
	// an instruction but never skip one.
	for offset := 0; ; offset += sweepBatchSize {
		failed, err := s.repo.ListInstructions(ctx, domain.PaymentListFilter{
			Status: domain.PaymentFailed,
			Limit:  sweepBatchSize,
			Offset: offset,
		})
		if err != nil {
			return report, fmt.Errorf("list failed instructions: %w", err)
		}
		for _, instr := range failed {
			s.releaseHold(ctx, instr.InstructionID, &report)
		}
		if len(failed) < sweepBatchSize || ctx.Err() != nil {
			break
		}
	}

	log.Printf("level=info component=sweeper msg=\"sweep finished\" republished=%d holds_released=%d errors=%d",
		report.Republished, report.HoldsReleased, report.Errors)
	return report, nil
}

func (s *ReconcileSweeper) releaseHold(ctx context.Context, instructionID string, report *SweepReport) {
	released, err := s.payments.ReleaseHold(ctx, instructionID)
	if err != nil {
		if errors.Is(err, domain.ErrProcessing) {
			log.Printf("level=info component=sweeper msg=\"payer busy; hold release deferred\" instruction_id=%s", instructionID)
			return
		}
		report.Errors++
		sweeperActionsTotal.WithLabelValues("release_error").Inc()
		log.Printf("level=warn component=sweeper msg=\"hold release failed\" instruction_id=%s err=%v", instructionID, err)
		return
	}
	if released {
		report.HoldsReleased++
		sweeperActionsTotal.WithLabelValues("hold_released").Inc()
	}
}

// Start schedules RunOnce on spec and returns the running scheduler. Stop it
// with cron.Cron.Stop.
func (s *ReconcileSweeper) Start(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("level=error component=sweeper msg=\"sweep failed\" err=%v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}
	c.Start()
	log.Printf("level=info component=sweeper msg=\"sweeper scheduled\" schedule=%q pending_age=%s", spec, s.pendingAge)
	return c, nil
}
