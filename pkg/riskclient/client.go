// Package riskclient calls the external risk service that approves, holds or
// rejects a payment before any funds move.
package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

// Client is a client for the risk service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new risk service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate posts the evaluation and returns the service's verdict. Transport
// failures and unknown verdicts are errors; the worker retries them.
func (c *Client) Evaluate(ctx context.Context, eval domain.RiskEvaluation) (*domain.RiskDecision, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("risk service base url is empty")
	}

	body, err := json.Marshal(eval)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/risk/evaluate", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to risk service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("risk service returned error status %d", resp.StatusCode)
	}

	var decision domain.RiskDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	decision.Result = domain.RiskResult(strings.ToUpper(strings.TrimSpace(string(decision.Result))))
	switch decision.Result {
	case domain.RiskApproved, domain.RiskReview, domain.RiskRejected:
		return &decision, nil
	default:
		return nil, fmt.Errorf("risk service returned unknown result %q", decision.Result)
	}
}
