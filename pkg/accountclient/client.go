/**
 * @description
 * This package provides a client for the account ledger's internal API. It
 * implements the same contract as the in-process ledger so the orchestrator
 * can drive a remote account service unchanged. Error responses carrying a
 * taxonomy code are translated back into the domain sentinels.
 */
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

// Client is a client for the account service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new account service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var acct domain.Account
	if err := c.do(ctx, http.MethodGet, "/internal/accounts/"+url.PathEscape(accountID), nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) Credit(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return c.operate(ctx, domain.OpCredit, accountID, amount, requestID)
}

func (c *Client) Freeze(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return c.operate(ctx, domain.OpFreeze, accountID, amount, requestID)
}

func (c *Client) Settle(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return c.operate(ctx, domain.OpSettle, accountID, amount, requestID)
}

func (c *Client) Unfreeze(ctx context.Context, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	return c.operate(ctx, domain.OpUnfreeze, accountID, amount, requestID)
}

func (c *Client) Close(ctx context.Context, accountID string) (*domain.Account, error) {
	var acct domain.Account
	if err := c.do(ctx, http.MethodPost, "/internal/accounts/"+url.PathEscape(accountID)+"/close", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// FindEntry looks a ledger entry up by its request id.
func (c *Client) FindEntry(ctx context.Context, requestID string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	if err := c.do(ctx, http.MethodGet, "/internal/ledger/"+url.PathEscape(requestID), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) operate(ctx context.Context, op domain.OperationKind, accountID string, amount decimal.Decimal, requestID string) (*domain.Account, error) {
	path := fmt.Sprintf("/internal/accounts/%s/%s", url.PathEscape(accountID), strings.ToLower(string(op)))
	payload := domain.AccountOperationRequest{Amount: amount, RequestID: requestID}
	var acct domain.Account
	if err := c.do(ctx, http.MethodPost, path, payload, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("account service base url is empty")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to account service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError maps an error response to a domain sentinel when it carries a
// known code, so callers can keep matching with errors.Is.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil {
		if sentinel := domain.ErrorFromCode(er.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, er.Message)
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: account service returned 404", domain.ErrNotFound)
	}
	return fmt.Errorf("account service returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
