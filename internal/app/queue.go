package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

type queuedMessage struct {
	routingKey string
	body       []byte
}

// MemoryQueue is an in-process MessagePublisher with the same ack/requeue contract
// as the RabbitMQ consumer. Routing is by routing key only; the exchange is ignored.
type MemoryQueue struct {
	mu           sync.RWMutex
	handlers     map[string]func([]byte) bool
	messages     chan queuedMessage
	requeueDelay time.Duration
	wg           sync.WaitGroup
	closeOnce    sync.Once
	closed       chan struct{}
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{
		handlers:     make(map[string]func([]byte) bool),
		messages:     make(chan queuedMessage, buffer),
		requeueDelay: 200 * time.Millisecond,
		closed:       make(chan struct{}),
	}
}

// Bind registers the handler for routingKey. Messages for unbound keys are dropped.
func (q *MemoryQueue) Bind(routingKey string, handler func([]byte) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[routingKey] = handler
}

func (q *MemoryQueue) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case <-q.closed:
		return fmt.Errorf("memory queue closed")
	default:
	}
	select {
	case q.messages <- queuedMessage{routingKey: routingKey, body: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return fmt.Errorf("memory queue closed")
	}
}

// Start runs concurrency consumers until Close.
func (q *MemoryQueue) Start(concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.consume()
	}
	log.Printf("level=info component=memory_queue msg=\"consumers started\" concurrency=%d", concurrency)
}

func (q *MemoryQueue) consume() {
	defer q.wg.Done()
	for {
		select {
		case <-q.closed:
			return
		case msg := <-q.messages:
			q.deliver(msg)
		}
	}
}

func (q *MemoryQueue) deliver(msg queuedMessage) {
	q.mu.RLock()
	handler, ok := q.handlers[msg.routingKey]
	q.mu.RUnlock()
	if !ok {
		log.Printf("level=warn component=memory_queue msg=\"no handler for routing key; dropping\" routing_key=%s", msg.routingKey)
		return
	}
	if handler(msg.body) {
		return
	}
	log.Printf("level=warn component=memory_queue msg=\"handler failed; requeueing\" routing_key=%s delay=%s", msg.routingKey, q.requeueDelay)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-time.After(q.requeueDelay):
		case <-q.closed:
			return
		}
		select {
		case q.messages <- msg:
		case <-q.closed:
		}
	}()
}

// Close stops the consumers. Undelivered messages are discarded.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
	q.wg.Wait()
}
