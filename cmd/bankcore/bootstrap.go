/**
 * @description
 * Process wiring shared by every subcommand: configuration, PostgreSQL (or the
 * in-memory store), Redis (or the in-memory key/value store), RabbitMQ (or the
 * in-process queue), the ledger (local or remote) and the payment services.
 * An unset backend degrades with a warning. A configured Redis that cannot be
 * reached aborts startup, since process-local locks would not serialize a fleet.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Locks and idempotency markers.
 * - github.com/joho/godotenv: Local .env loading.
 * - pkg/rabbitmq, pkg/accountclient, pkg/riskclient, pkg/customerclient.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/KongYiji1994/BankCore1/internal/app"
	"github.com/KongYiji1994/BankCore1/internal/config"
	"github.com/KongYiji1994/BankCore1/internal/store"
	"github.com/KongYiji1994/BankCore1/pkg/accountclient"
	"github.com/KongYiji1994/BankCore1/pkg/customerclient"
	rmrabbit "github.com/KongYiji1994/BankCore1/pkg/rabbitmq"
	"github.com/KongYiji1994/BankCore1/pkg/riskclient"
)

// runtime holds the wired components of one process.
type runtime struct {
	cfg      config.Config
	repo     store.Repository
	accounts *app.AccountService
	worker   *app.PaymentWorker
	payments *app.PaymentService
	events   *app.PaymentEventPublisher
	queue    *app.MemoryQueue
	closers  []func()
}

func loadConfig(envDir string) (config.Config, error) {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}
	cfg, err := config.LoadConfig(envDir)
	if err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

func bootstrap(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"DATABASE_URL not set; using in-memory store\"")
		rt.repo = store.NewMemoryRepository()
	} else {
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			rt.close()
			return nil, fmt.Errorf("schema migration failed: %w", err)
		}
		rt.repo = store.NewPostgresRepository(pool)
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	}

	kv, err := rt.keyValueStore(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}
	publisher := rt.messagePublisher()

	var ledger app.Ledger
	if strings.TrimSpace(cfg.AccountServiceURL) != "" {
		ledger = accountclient.NewClient(cfg.AccountServiceURL, cfg.InternalAPIKey)
		log.Printf("level=info component=bootstrap msg=\"using remote account service\" url=%s", cfg.AccountServiceURL)
	} else {
		rt.accounts = app.NewAccountService(rt.repo, app.NewAccountLock(kv, cfg.LedgerAccountLockTTL()))
		ledger = rt.accounts
	}

	var risk app.RiskOracle = app.ApproveAllRiskOracle{}
	if strings.TrimSpace(cfg.RiskServiceURL) != "" {
		risk = riskclient.NewClient(cfg.RiskServiceURL, cfg.InternalAPIKey)
	} else {
		log.Println("level=warn component=bootstrap msg=\"risk service not configured; local scoring only\" env=RISK_SERVICE_URL")
	}
	var customers app.CustomerDirectory = app.ActiveCustomerDirectory{}
	if strings.TrimSpace(cfg.CustomerServiceURL) != "" {
		customers = customerclient.NewClient(cfg.CustomerServiceURL, cfg.InternalAPIKey)
	} else {
		log.Println("level=warn component=bootstrap msg=\"customer service not configured; all customers treated as active\" env=CUSTOMER_SERVICE_URL")
	}

	idem := app.NewIdempotencyManager(kv, app.IdempotencyTTLs{
		RequestLock: cfg.RequestLockTTL(),
		Processing:  cfg.EventProcessingTTL(),
		Done:        cfg.EventDoneTTL(),
	})
	payerLock := app.NewDistributedLock(kv, app.PaymentAccountLockNamespace, cfg.PaymentAccountLockTTL())
	outcomeExchange := cfg.OutcomeExchange
	if rt.queue != nil {
		// Nothing in-process consumes outcome events.
		outcomeExchange = ""
	}
	rt.events = app.NewPaymentEventPublisher(publisher, cfg.PaymentExchange, cfg.PaymentRoutingKey, outcomeExchange)

	rt.worker = app.NewPaymentWorker(app.PaymentWorkerDeps{
		Repo:        rt.repo,
		Ledger:      ledger,
		Risk:        risk,
		Assessor:    app.NewRiskAssessor(cfg.LocalCurrency, cfg.RiskRejectThreshold),
		Clearing:    app.NewThresholdClearingDispatcher(cfg.LocalCurrency, cfg.ClearingCeiling, cfg.FXClearingThreshold),
		Idempotency: idem,
		PayerLock:   payerLock,
		Events:      rt.events,
	})
	rt.payments = app.NewPaymentService(app.PaymentServiceDeps{
		Repo:             rt.repo,
		Ledger:           ledger,
		Customers:        customers,
		Idempotency:      idem,
		PayerLock:        payerLock,
		Events:           rt.events,
		Worker:           rt.worker,
		BatchConcurrency: cfg.WorkerConcurrency,
	})
	if rt.queue != nil {
		rt.queue.Bind(cfg.PaymentRoutingKey, rt.worker.HandleMessage)
	}
	return rt, nil
}

// keyValueStore connects to Redis. The in-memory store is used only when
// REDIS_URL is unset, which is correct only while a single process serves all
// traffic.
func (rt *runtime) keyValueStore(ctx context.Context) (app.KeyValueStore, error) {
	if strings.TrimSpace(rt.cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; locks are process-local\" env=REDIS_URL")
		return app.NewMemoryKeyValueStore(), nil
	}
	opts, err := redis.ParseURL(rt.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url parse failed: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { client.Close() })
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return app.NewRedisKeyValueStore(client, rt.cfg.RedisKeyPrefix), nil
}

// messagePublisher prefers RabbitMQ and falls back to the in-process queue.
func (rt *runtime) messagePublisher() app.MessagePublisher {
	if strings.TrimSpace(rt.cfg.RabbitMQURL) != "" {
		producer, err := rmrabbit.NewEventProducer(rt.cfg.RabbitMQURL, map[string]string{
			rt.cfg.PaymentExchange: "direct",
			rt.cfg.OutcomeExchange: "topic",
		})
		if err == nil {
			rt.closers = append(rt.closers, producer.Close)
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
			return producer
		}
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using in-process queue\" err=%v", err)
	} else {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; using in-process queue\" env=RABBITMQ_URL")
	}
	rt.queue = app.NewMemoryQueue(0)
	rt.closers = append(rt.closers, rt.queue.Close)
	return rt.queue
}

// startWorkers begins consuming payment work items with the configured
// concurrency. The returned channel reports broker connection loss; it is nil
// for the in-process queue.
func (rt *runtime) startWorkers() (<-chan error, error) {
	if rt.queue != nil {
		rt.queue.Start(rt.cfg.WorkerConcurrency)
		log.Printf("level=info component=bootstrap msg=\"in-process payment workers started\" concurrency=%d", rt.cfg.WorkerConcurrency)
		return nil, nil
	}

	consumer, err := rmrabbit.NewConsumer(rt.cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consumer init failed: %w", err)
	}
	rt.closers = append(rt.closers, consumer.Close)

	err = consumer.ConsumeWorkQueue(rmrabbit.WorkQueueConfig{
		Exchange:      rt.cfg.PaymentExchange,
		Queue:         rt.cfg.PaymentQueue,
		RoutingKey:    rt.cfg.PaymentRoutingKey,
		DeadLetter:    rt.cfg.PaymentDLQ,
		MaxDeliveries: rt.cfg.PaymentMaxDeliveries,
		Concurrency:   rt.cfg.WorkerConcurrency,
	}, rt.worker.HandleMessage)
	if err != nil {
		return nil, fmt.Errorf("payment consumer start failed: %w", err)
	}

	lost := make(chan error, 1)
	closed := consumer.NotifyClose()
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			lost <- amqpErr
		}
	}()
	return lost, nil
}

// startSweeper schedules the reconcile sweeper when a schedule is configured.
func (rt *runtime) startSweeper() error {
	if strings.TrimSpace(rt.cfg.SweepSchedule) == "" {
		log.Println("level=info component=bootstrap msg=\"sweeper disabled\" env=SWEEP_SCHEDULE")
		return nil
	}
	sweeper := app.NewReconcileSweeper(rt.repo, rt.payments, rt.cfg.SweepPendingAge())
	scheduler, err := sweeper.Start(rt.cfg.SweepSchedule)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() { <-scheduler.Stop().Done() })
	return nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
