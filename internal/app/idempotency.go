package app

import (
	"context"
	"log"
	"time"
)

// IdempotencyManager owns the request lock and the per-instruction processing
// and done markers.
type IdempotencyManager struct {
	kv            KeyValueStore
	requestLock   *DistributedLock
	processing    *DistributedLock
	doneTTL       time.Duration
	doneNamespace string
}

// IdempotencyTTLs configures marker lifetimes.
type IdempotencyTTLs struct {
	RequestLock time.Duration
	Processing  time.Duration
	Done        time.Duration
}

func NewIdempotencyManager(kv KeyValueStore, ttls IdempotencyTTLs) *IdempotencyManager {
	if ttls.Done <= 0 {
		ttls.Done = time.Hour
	}
	return &IdempotencyManager{
		kv:            kv,
		requestLock:   NewDistributedLock(kv, RequestLockNamespace, ttls.RequestLock),
		processing:    NewDistributedLock(kv, EventProcessingNamespace, ttls.Processing),
		doneTTL:       ttls.Done,
		doneNamespace: EventDoneNamespace,
	}
}

func (m *IdempotencyManager) TryLockRequest(ctx context.Context, requestID string) (string, bool, error) {
	return m.requestLock.TryLock(ctx, requestID)
}

func (m *IdempotencyManager) UnlockRequest(ctx context.Context, requestID, token string) {
	m.requestLock.Unlock(ctx, requestID, token)
}

// TryMarkProcessing claims an instruction for the calling worker.
func (m *IdempotencyManager) TryMarkProcessing(ctx context.Context, instructionID string) (string, bool, error) {
	return m.processing.TryLock(ctx, instructionID)
}

func (m *IdempotencyManager) ReleaseProcessing(ctx context.Context, instructionID, token string) {
	m.processing.Unlock(ctx, instructionID, token)
}

func (m *IdempotencyManager) IsDone(ctx context.Context, instructionID string) (bool, error) {
	return m.kv.Exists(ctx, m.doneNamespace+instructionID)
}

// MarkDone records that the current delivery finished. A failure only widens the
// replay window; the ledger's request-id dedup still guards funds.
func (m *IdempotencyManager) MarkDone(ctx context.Context, instructionID string) {
	if _, err := m.kv.SetIfAbsent(ctx, m.doneNamespace+instructionID, time.Now().UTC().Format(time.RFC3339), m.doneTTL); err != nil {
		log.Printf("level=warn component=payment_worker msg=\"done marker write failed\" instruction_id=%s err=%v", instructionID, err)
	}
}

// ClearDone lets a manual re-trigger re-enter the worker path.
func (m *IdempotencyManager) ClearDone(ctx context.Context, instructionID string) error {
	return m.kv.Delete(ctx, m.doneNamespace+instructionID)
}
