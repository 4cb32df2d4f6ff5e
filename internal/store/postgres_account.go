package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

const accountColumns = `account_id, customer_id, currency,
	total_balance::text, available_balance::text, frozen_balance::text,
	status, created_at, updated_at`

const entryColumns = `entry_id, request_id, account_id, operation, amount::text,
	total_balance::text, available_balance::text, frozen_balance::text, created_at`

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acct    domain.Account
		status  string
		amounts = make([]string, 3)
	)
	err := row.Scan(&acct.AccountID, &acct.CustomerID, &acct.Currency,
		&amounts[0], &amounts[1], &amounts[2],
		&status, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(amounts, []*decimal.Decimal{&acct.TotalBalance, &acct.AvailableBalance, &acct.FrozenBalance}); err != nil {
		return nil, err
	}
	acct.Status = domain.AccountStatus(status)
	return &acct, nil
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		entry   domain.LedgerEntry
		op      string
		amounts = make([]string, 4)
	)
	err := row.Scan(&entry.EntryID, &entry.RequestID, &entry.AccountID, &op, &amounts[0],
		&amounts[1], &amounts[2], &amounts[3], &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(amounts, []*decimal.Decimal{&entry.Amount, &entry.TotalBalance, &entry.AvailableBalance, &entry.FrozenBalance}); err != nil {
		return nil, err
	}
	entry.Operation = domain.OperationKind(op)
	return &entry, nil
}

// CreateAccount inserts a new account row.
func (r *PostgresRepository) CreateAccount(ctx context.Context, acct *domain.Account) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (account_id, customer_id, currency, total_balance, available_balance, frozen_balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)`,
		acct.AccountID, acct.CustomerID, acct.Currency,
		acct.TotalBalance.String(), acct.AvailableBalance.String(), acct.FrozenBalance.String(),
		string(acct.Status), acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: account %s already exists", domain.ErrBusinessRule, acct.AccountID)
		}
		return err
	}
	return nil
}

// GetAccount loads one account, including closed ones.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE account_id = $1", accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
		}
		return nil, err
	}
	return acct, nil
}

func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return r.queryAccounts(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY account_id")
}

func (r *PostgresRepository) ListAccountsByCustomer(ctx context.Context, customerID string) ([]domain.Account, error) {
	return r.queryAccounts(ctx, "SELECT "+accountColumns+" FROM accounts WHERE customer_id = $1 ORDER BY account_id", customerID)
}

func (r *PostgresRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

// UpdateAccountStatus changes the administrative status without touching balances.
func (r *PostgresRepository) UpdateAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx, `
		UPDATE accounts SET status = $2, updated_at = now()
		WHERE account_id = $1
		RETURNING `+accountColumns, accountID, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
		}
		return nil, err
	}
	return acct, nil
}

// ApplyLedgerOperation performs one balance mutation atomically.
func (r *PostgresRepository) ApplyLedgerOperation(ctx context.Context, accountID, requestID string, mutate MutateFunc) (*LedgerResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to serialize concurrent writers on the row.
	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE account_id = $1 FOR UPDATE", accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
		}
		return nil, err
	}

	if requestID != "" {
		existing, err := scanEntry(tx.QueryRow(ctx, "SELECT "+entryColumns+" FROM account_ledger_entries WHERE request_id = $1", requestID))
		switch {
		case err == nil:
			return &LedgerResult{Account: acct, Entry: existing, Replayed: true}, tx.Commit(ctx)
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, err
		}
	}

	entry, err := mutate(acct)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET total_balance = $2::numeric, available_balance = $3::numeric, frozen_balance = $4::numeric,
		    status = $5, updated_at = $6
		WHERE account_id = $1`,
		acct.AccountID, acct.TotalBalance.String(), acct.AvailableBalance.String(), acct.FrozenBalance.String(),
		string(acct.Status), acct.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO account_ledger_entries
				(entry_id, request_id, account_id, operation, amount, total_balance, available_balance, frozen_balance, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9)`,
			entry.EntryID, entry.RequestID, entry.AccountID, string(entry.Operation), entry.Amount.String(),
			entry.TotalBalance.String(), entry.AvailableBalance.String(), entry.FrozenBalance.String(), entry.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: ledger request %s", ErrDuplicateRequest, entry.RequestID)
			}
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &LedgerResult{Account: acct, Entry: entry}, nil
}

// FindEntryByRequestID returns the ledger entry recorded for requestID.
func (r *PostgresRepository) FindEntryByRequestID(ctx context.Context, requestID string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, "SELECT "+entryColumns+" FROM account_ledger_entries WHERE request_id = $1", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ledger entry %s", domain.ErrNotFound, requestID)
		}
		return nil, err
	}
	return entry, nil
}

// ListEntries returns an account's ledger in application order.
func (r *PostgresRepository) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, "SELECT "+entryColumns+" FROM account_ledger_entries WHERE account_id = $1 ORDER BY created_at, entry_id", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}
