/**
 * @description
 * HTTP handlers for payments and accounts. Handlers decode the request, call
 * the payment orchestrator or the account ledger, and render either the
 * resource or a taxonomy error body. Retrying with the same requestId is
 * always safe: both services deduplicate by it.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/shopspring/decimal: Amount parsing for query-string operations.
 * - internal/app, internal/domain: Services and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/app"
	"github.com/KongYiji1994/BankCore1/internal/domain"
)

const maxBodyBytes = 1 << 20

// Handlers holds the services the API delegates to. accounts is nil when the
// ledger runs in a remote account service; account routes are then not mounted.
type Handlers struct {
	payments *app.PaymentService
	accounts *app.AccountService
}

func NewHandlers(payments *app.PaymentService, accounts *app.AccountService) *Handlers {
	return &Handlers{payments: payments, accounts: accounts}
}

// decodeBody decodes an optional JSON body into dst. An empty body is not an error.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// SubmitPaymentHandler handles POST /payments.
func (h *Handlers) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	instr, err := h.payments.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, instr)
}

// ListPaymentsHandler handles GET /payments?status=&payerAccount=&limit=&offset=.
func (h *Handlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.PaymentListFilter
	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParsePaymentStatus(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.Status = status
	}
	filter.PayerAccount = strings.TrimSpace(q.Get("payerAccount"))
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidRequest))
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, r, fmt.Errorf("%w: offset must be a non-negative integer", domain.ErrInvalidRequest))
			return
		}
		filter.Offset = offset
	}

	instructions, err := h.payments.ListInstructions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if instructions == nil {
		instructions = []domain.PaymentInstruction{}
	}
	writeJSON(w, http.StatusOK, instructions)
}

// GetPaymentHandler handles GET /payments/{id}.
func (h *Handlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	instr, err := h.payments.GetInstruction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instr)
}

// GetPaymentRequestHandler handles GET /payments/requests/{requestId}.
func (h *Handlers) GetPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.payments.GetRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ProcessPaymentHandler handles POST /payments/{id}/process. The work item is
// queued; the response carries the instruction as it was before processing.
func (h *Handlers) ProcessPaymentHandler(w http.ResponseWriter, r *http.Request) {
	instr, err := h.payments.EnqueueForProcessing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, instr)
}

// ProcessBatchHandler handles POST /payments/batch/process.
func (h *Handlers) ProcessBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchProcessRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.payments.ProcessBatch(r.Context(), req.InstructionIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RiskApproveHandler handles POST /payments/{id}/risk-approve.
func (h *Handlers) RiskApproveHandler(w http.ResponseWriter, r *http.Request) {
	instr, err := h.payments.RiskApprove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instr)
}

// PostPaymentHandler handles POST /payments/{id}/post.
func (h *Handlers) PostPaymentHandler(w http.ResponseWriter, r *http.Request) {
	instr, err := h.payments.Post(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instr)
}

// FailPaymentHandler handles POST /payments/{id}/fail with an optional reason.
func (h *Handlers) FailPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.StatusChangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	instr, err := h.payments.Fail(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instr)
}

// CreateAccountHandler handles POST /accounts.
func (h *Handlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	acct, err := h.accounts.CreateAccount(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// ListAccountsHandler handles GET /accounts with an optional customerId filter.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListAccounts(r.Context(), r.URL.Query().Get("customerId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler handles GET /accounts/{id}; closed accounts are returned too.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListLedgerHandler handles GET /accounts/{id}/ledger.
func (h *Handlers) ListLedgerHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if _, err := h.accounts.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.accounts.ListEntries(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLedgerEntryHandler handles GET /ledger/{requestId}.
func (h *Handlers) GetLedgerEntryHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.accounts.FindEntry(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// AccountOperationHandler handles POST /accounts/{id}/{op} for credit, freeze,
// settle and unfreeze. amount and requestId come from the JSON body or, when
// absent there, from the query string.
func (h *Handlers) AccountOperationHandler(w http.ResponseWriter, r *http.Request) {
	op, err := domain.ParseOperationKind(chi.URLParam(r, "op"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if op == domain.OpClose {
		h.CloseAccountHandler(w, r)
		return
	}
	req, err := operationRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	acct, err := h.accounts.Execute(r.Context(), op, chi.URLParam(r, "id"), req.Amount, req.RequestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func operationRequest(r *http.Request) (domain.AccountOperationRequest, error) {
	var req domain.AccountOperationRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	q := r.URL.Query()
	if req.Amount.IsZero() {
		if raw := strings.TrimSpace(q.Get("amount")); raw != "" {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return req, fmt.Errorf("%w: amount %q is not a number", domain.ErrInvalidRequest, raw)
			}
			req.Amount = amount
		}
	}
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = q.Get("requestId")
	}
	return req, nil
}

// CloseAccountHandler handles POST /accounts/{id}/close.
func (h *Handlers) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// SetAccountStatusHandler handles POST /accounts/{id}/status.
func (h *Handlers) SetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AccountStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Status == "" {
		req.Status = r.URL.Query().Get("status")
	}
	status, err := domain.ParseAccountStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	acct, err := h.accounts.SetStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
