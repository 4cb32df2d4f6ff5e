package store

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements are applied in order by Migrate. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id        TEXT PRIMARY KEY,
		customer_id       TEXT NOT NULL,
		currency          TEXT NOT NULL,
		total_balance     NUMERIC(24,4) NOT NULL DEFAULT 0,
		available_balance NUMERIC(24,4) NOT NULL DEFAULT 0,
		frozen_balance    NUMERIC(24,4) NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT accounts_balances_non_negative CHECK (total_balance >= 0 AND available_balance >= 0 AND frozen_balance >= 0),
		CONSTRAINT accounts_balances_consistent CHECK (total_balance = available_balance + frozen_balance)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_customer ON accounts (customer_id)`,
	`CREATE TABLE IF NOT EXISTS account_ledger_entries (
		entry_id          TEXT PRIMARY KEY,
		request_id        TEXT NOT NULL,
		account_id        TEXT NOT NULL REFERENCES accounts (account_id),
		operation         TEXT NOT NULL,
		amount            NUMERIC(24,4) NOT NULL,
		total_balance     NUMERIC(24,4) NOT NULL,
		available_balance NUMERIC(24,4) NOT NULL,
		frozen_balance    NUMERIC(24,4) NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_account_ledger_entries_request ON account_ledger_entries (request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_account_ledger_entries_account ON account_ledger_entries (account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS payment_instructions (
		instruction_id        TEXT PRIMARY KEY,
		request_id            TEXT NOT NULL,
		payer_account         TEXT NOT NULL,
		payee_account         TEXT NOT NULL,
		payer_customer_id     TEXT NOT NULL,
		payer_customer_status TEXT NOT NULL DEFAULT '',
		currency              TEXT NOT NULL,
		amount                NUMERIC(24,4) NOT NULL CHECK (amount > 0),
		purpose               TEXT NOT NULL DEFAULT '',
		channel               TEXT NOT NULL DEFAULT '',
		batch_id              TEXT NOT NULL DEFAULT '',
		priority              INTEGER NOT NULL DEFAULT 0,
		risk_score            INTEGER NOT NULL DEFAULT 0,
		status                TEXT NOT NULL,
		failure_reason        TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_instructions_request ON payment_instructions (request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_instructions_status ON payment_instructions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS payment_requests (
		request_id     TEXT PRIMARY KEY,
		instruction_id TEXT NOT NULL REFERENCES payment_instructions (instruction_id),
		status         TEXT NOT NULL,
		message        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_requests_status ON payment_requests (status, updated_at)`,
}

// Migrate creates the tables used by PostgresRepository when they do not exist.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	log.Printf("level=info component=store msg=\"schema migrated\" statements=%d", len(schemaStatements))
	return nil
}
