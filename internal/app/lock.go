package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Key namespaces shared by every process touching the same accounts and payments.
const (
	LedgerAccountLockNamespace  = "account:lock:"
	PaymentAccountLockNamespace = "payment:acct:lock:"
	RequestLockNamespace        = "payment:req:lock:"
	EventProcessingNamespace    = "payment:event:processing:"
	EventDoneNamespace          = "payment:event:done:"
)

// DistributedLock is a non-blocking, TTL-bounded mutual exclusion keyed by id.
// Each acquisition stores a random token so that only the holder can release it.
type DistributedLock struct {
	kv        KeyValueStore
	namespace string
	ttl       time.Duration
}

func NewDistributedLock(kv KeyValueStore, namespace string, ttl time.Duration) *DistributedLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DistributedLock{kv: kv, namespace: namespace, ttl: ttl}
}

// NewAccountLock returns the lock the ledger takes around every balance mutation.
func NewAccountLock(kv KeyValueStore, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(kv, LedgerAccountLockNamespace, ttl)
}

// TryLock returns immediately. ok is false when another holder owns id.
func (l *DistributedLock) TryLock(ctx context.Context, id string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.kv.SetIfAbsent(ctx, l.namespace+id, token, l.ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		lockContentionTotal.WithLabelValues(strings.TrimSuffix(l.namespace, ":")).Inc()
		return "", false, nil
	}
	return token, true, nil
}

// Unlock is best effort: failures are logged and the TTL reclaims the key.
func (l *DistributedLock) Unlock(ctx context.Context, id, token string) {
	if token == "" {
		return
	}
	// Release even when the caller's context is already cancelled.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := l.kv.DeleteIfValue(releaseCtx, l.namespace+id, token)
	if err != nil {
		log.Printf("level=warn component=lock msg=\"unlock failed; ttl will reclaim\" key=%s%s err=%v", l.namespace, id, err)
		return
	}
	if !released {
		log.Printf("level=warn component=lock msg=\"lock expired before unlock\" key=%s%s", l.namespace, id)
	}
}
