package riskclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

func TestClient_Evaluate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/risk/evaluate", r.URL.Path)
		var eval domain.RiskEvaluation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&eval))
		assert.Equal(t, "cust-1", eval.CustomerID)
		assert.True(t, eval.Amount.Equal(decimal.NewFromInt(42)))
		_, _ = w.Write([]byte(`{"result":"review","reason":"velocity","ruleId":"V-1"}`))
	}))
	defer srv.Close()

	decision, err := NewClient(srv.URL, "").Evaluate(context.Background(), domain.RiskEvaluation{
		RequestID: "r1", CustomerID: "cust-1", PayerAccount: "acct-1", Amount: decimal.NewFromInt(42),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RiskReview, decision.Result)
	assert.Equal(t, "V-1", decision.RuleID)
}

func TestClient_EvaluateRejectsUnknownResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"MAYBE"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Evaluate(context.Background(), domain.RiskEvaluation{RequestID: "r1"})
	require.Error(t, err)
}

func TestClient_EvaluateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Evaluate(context.Background(), domain.RiskEvaluation{RequestID: "r1"})
	require.Error(t, err)
}
