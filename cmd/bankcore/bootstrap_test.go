package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/config"
	"github.com/KongYiji1994/BankCore1/internal/domain"
)

func loadIsolatedConfig(t *testing.T) config.Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "ACCOUNT_SERVICE_URL", "RISK_SERVICE_URL", "CUSTOMER_SERVICE_URL"} {
		prev, had := os.LookupEnv(key)
		require.NoError(t, os.Unsetenv(key))
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(key, prev)
			}
		})
	}
	cfg, err := config.LoadConfig(t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestBootstrap_InMemoryEndToEnd(t *testing.T) {
	cfg := loadIsolatedConfig(t)

	rt, err := bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.close()

	require.NotNil(t, rt.queue, "no broker configured, expected the in-process queue")
	require.NotNil(t, rt.accounts, "no account service configured, expected the local ledger")
	assert.False(t, rt.events.PublishesOutcomes(), "outcome events have no in-process consumer")

	lost, err := rt.startWorkers()
	require.NoError(t, err)
	assert.Nil(t, lost)

	ctx := context.Background()
	_, err = rt.accounts.CreateAccount(ctx, domain.CreateAccountRequest{
		AccountID: "P1", CustomerID: "cust-1", Currency: "CNY", OpeningBalance: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	instr, err := rt.payments.Submit(ctx, domain.SubmitPaymentRequest{
		RequestID: "req-1", PayerAccount: "P1", PayeeAccount: "P2", Currency: "CNY", Amount: decimal.NewFromInt(250),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := rt.payments.GetInstruction(ctx, instr.InstructionID)
		return err == nil && current.Status == domain.PaymentPosted
	}, 5*time.Second, 20*time.Millisecond)

	acct, err := rt.accounts.GetAccount(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, acct.TotalBalance.Equal(decimal.NewFromInt(750)))
	assert.True(t, acct.FrozenBalance.IsZero())

	rec, err := rt.payments.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestSucceeded, rec.Status)
}

func TestBootstrap_RemoteLedgerSkipsLocalAccounts(t *testing.T) {
	cfg := loadIsolatedConfig(t)
	cfg.AccountServiceURL = "http://accounts.internal:8081"

	rt, err := bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.close()

	assert.Nil(t, rt.accounts)
	assert.NotNil(t, rt.payments)
}

func TestBootstrap_ConfiguredRedisMustBeReachable(t *testing.T) {
	for name, url := range map[string]string{
		"unparseable": "not a redis url",
		"unreachable": "redis://127.0.0.1:1/0",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := loadIsolatedConfig(t)
			cfg.RedisURL = url

			rt, err := bootstrap(context.Background(), cfg)
			require.Error(t, err)
			assert.Nil(t, rt)
			assert.Contains(t, err.Error(), "redis")
		})
	}
}
