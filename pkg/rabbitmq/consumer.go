/**
 * @description
 * Consumer runs a work queue on RabbitMQ: a durable direct exchange, a quorum
 * queue whose poison messages are dead-lettered after a bounded number of
 * deliveries, and a prefetch-bounded pool of handler goroutines.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: the RabbitMQ client library.
 *
 * @notes
 * - Handlers return true to ack and false to nack with requeue. Requeued
 *   deliveries count against x-delivery-limit; once exceeded the broker moves
 *   the message to the dead-letter queue.
 */
package rabbitmq

import (
	"errors"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WorkQueueConfig names the topology of one work queue.
type WorkQueueConfig struct {
	Exchange      string
	Queue         string
	RoutingKey    string
	DeadLetter    string
	MaxDeliveries int
	Concurrency   int
}

func (c WorkQueueConfig) validate() error {
	switch {
	case c.Exchange == "":
		return errors.New("work queue exchange is required")
	case c.Queue == "":
		return errors.New("work queue name is required")
	case c.RoutingKey == "":
		return errors.New("work queue routing key is required")
	}
	return nil
}

// QueueArgs returns the declaration arguments for the work queue.
func (c WorkQueueConfig) QueueArgs() amqp.Table {
	args := amqp.Table{"x-queue-type": "quorum"}
	if c.MaxDeliveries > 0 {
		args["x-delivery-limit"] = int32(c.MaxDeliveries)
	}
	if c.DeadLetter != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = c.DeadLetter
	}
	return args
}

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// Declare creates the exchange, the dead-letter queue and the work queue and
// binds them. It is safe to call repeatedly.
func (c *Consumer) Declare(cfg WorkQueueConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.DeadLetter != "" {
		// Dead letters go through the default exchange, which routes by queue name.
		if _, err := c.ch.QueueDeclare(cfg.DeadLetter, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue %s: %w", cfg.DeadLetter, err)
		}
	}
	q, err := c.ch.QueueDeclare(cfg.Queue, true, false, false, false, cfg.QueueArgs())
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := c.ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// ConsumeWorkQueue declares the topology and starts cfg.Concurrency handler
// goroutines. It returns once consumption has started; Close stops it.
func (c *Consumer) ConsumeWorkQueue(cfg WorkQueueConfig, handler func([]byte) bool) error {
	if handler == nil {
		return errors.New("no handler provided")
	}
	if err := c.Declare(cfg); err != nil {
		return err
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := c.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	msgs, err := c.ch.Consume(cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			for d := range msgs {
				if handler(d.Body) {
					if err := d.Ack(false); err != nil {
						log.Printf("level=warn component=rabbitmq_consumer msg=\"ack failed\" worker=%d err=%v", worker, err)
					}
					continue
				}
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" worker=%d queue=%s redelivered=%t",
					worker, cfg.Queue, d.Redelivered)
				if err := d.Nack(false, true); err != nil {
					log.Printf("level=warn component=rabbitmq_consumer msg=\"nack failed\" worker=%d err=%v", worker, err)
				}
			}
		}(i)
	}

	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" queue=%s exchange=%s routing_key=%s concurrency=%d dlq=%s",
		cfg.Queue, cfg.Exchange, cfg.RoutingKey, concurrency, cfg.DeadLetter)
	return nil
}

// NotifyClose reports connection loss so the caller can exit and be restarted.
func (c *Consumer) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the channel and connection and waits for in-flight handlers.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}
