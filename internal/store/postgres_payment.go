package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

const instructionColumns = `instruction_id, request_id, payer_account, payee_account,
	payer_customer_id, payer_customer_status, currency, amount::text, purpose, channel,
	batch_id, priority, risk_score, status, failure_reason, created_at, updated_at`

const requestColumns = `request_id, instruction_id, status, message, created_at, updated_at`

func scanInstruction(row rowScanner) (*domain.PaymentInstruction, error) {
	var (
		instr  domain.PaymentInstruction
		amount string
		status string
	)
	err := row.Scan(&instr.InstructionID, &instr.RequestID, &instr.PayerAccount, &instr.PayeeAccount,
		&instr.PayerCustomerID, &instr.PayerCustomerStatus, &instr.Currency, &amount, &instr.Purpose, &instr.Channel,
		&instr.BatchID, &instr.Priority, &instr.RiskScore, &status, &instr.FailureReason, &instr.CreatedAt, &instr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals([]string{amount}, []*decimal.Decimal{&instr.Amount}); err != nil {
		return nil, err
	}
	instr.Status = domain.PaymentStatus(status)
	return &instr, nil
}

func scanRequest(row rowScanner) (*domain.PaymentRequestRecord, error) {
	var (
		rec    domain.PaymentRequestRecord
		status string
	)
	if err := row.Scan(&rec.RequestID, &rec.InstructionID, &status, &rec.Message, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.RequestStatus(status)
	return &rec, nil
}

// CreatePayment stores a new instruction and its request record in one transaction.
func (r *PostgresRepository) CreatePayment(ctx context.Context, instr *domain.PaymentInstruction, record *domain.PaymentRequestRecord) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_instructions
			(instruction_id, request_id, payer_account, payee_account, payer_customer_id, payer_customer_status,
			 currency, amount, purpose, channel, batch_id, priority, risk_score, status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		instr.InstructionID, instr.RequestID, instr.PayerAccount, instr.PayeeAccount, instr.PayerCustomerID,
		instr.PayerCustomerStatus, instr.Currency, instr.Amount.String(), instr.Purpose, instr.Channel,
		instr.BatchID, instr.Priority, instr.RiskScore, string(instr.Status), instr.FailureReason,
		instr.CreatedAt, instr.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: instruction %s", ErrDuplicateRequest, instr.InstructionID)
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_requests (request_id, instruction_id, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.RequestID, record.InstructionID, string(record.Status), record.Message, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s", ErrDuplicateRequest, record.RequestID)
		}
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetInstruction(ctx context.Context, instructionID string) (*domain.PaymentInstruction, error) {
	instr, err := scanInstruction(r.db.QueryRow(ctx, "SELECT "+instructionColumns+" FROM payment_instructions WHERE instruction_id = $1", instructionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: instruction %s", domain.ErrNotFound, instructionID)
		}
		return nil, err
	}
	return instr, nil
}

// ListInstructions returns instructions newest first.
func (r *PostgresRepository) ListInstructions(ctx context.Context, filter domain.PaymentListFilter) ([]domain.PaymentInstruction, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PayerAccount != "" {
		args = append(args, filter.PayerAccount)
		where = append(where, fmt.Sprintf("payer_account = $%d", len(args)))
	}

	query := "SELECT " + instructionColumns + " FROM payment_instructions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, instruction_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PaymentInstruction, 0)
	for rows.Next() {
		instr, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *instr)
	}
	return out, rows.Err()
}

// TransitionInstruction is a compare-and-swap on the status column.
func (r *PostgresRepository) TransitionInstruction(ctx context.Context, instructionID string, t InstructionTransition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_instructions
		SET status = $3,
		    risk_score = COALESCE($4, risk_score),
		    failure_reason = COALESCE($5, failure_reason),
		    updated_at = now()
		WHERE instruction_id = $1 AND status = $2`,
		instructionID, string(t.From), string(t.To), t.RiskScore, t.FailureReason)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetInstruction(ctx, instructionID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresRepository) GetRequestRecord(ctx context.Context, requestID string) (*domain.PaymentRequestRecord, error) {
	rec, err := scanRequest(r.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM payment_requests WHERE request_id = $1", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
		}
		return nil, err
	}
	return rec, nil
}

// UpdateRequestStatus only matches rows whose current status may advance to status.
func (r *PostgresRepository) UpdateRequestStatus(ctx context.Context, requestID string, status domain.RequestStatus, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = $2, message = $3, updated_at = now()
		WHERE request_id = $1 AND status = ANY($4)`,
		requestID, string(status), message, allowedRequestSources(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.GetRequestRecord(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: request %s %s -> %s", ErrStaleStatus, requestID, current.Status, status)
}

// ListRequestsByStatus returns records in status that were last touched before updatedBefore.
func (r *PostgresRepository) ListRequestsByStatus(ctx context.Context, status domain.RequestStatus, updatedBefore time.Time, limit int) ([]domain.PaymentRequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+requestColumns+` FROM payment_requests
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(status), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentRequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
