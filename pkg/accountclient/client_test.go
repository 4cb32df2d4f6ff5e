package accountclient

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

func TestClient_FreezeSendsAmountAndRequestID(t *testing.T) {
	var got domain.AccountOperationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/accounts/acct-1/freeze", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Internal-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(domain.Account{
			AccountID:        "acct-1",
			TotalBalance:     decimal.NewFromInt(1000),
			AvailableBalance: decimal.NewFromInt(500),
			FrozenBalance:    decimal.NewFromInt(500),
			Status:           domain.AccountActive,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	acct, err := c.Freeze(context.Background(), "acct-1", decimal.NewFromInt(500), "r1:freeze")
	require.NoError(t, err)

	assert.True(t, got.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "r1:freeze", got.RequestID)
	assert.True(t, acct.FrozenBalance.Equal(decimal.NewFromInt(500)))
}

func TestClient_MapsErrorCodesToSentinels(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnprocessableEntity, `{"code":"INSUFFICIENT_FUNDS","message":"available 1 is less than 2"}`, domain.ErrInsufficientFunds},
		{http.StatusConflict, `{"code":"PROCESSING","message":"account busy"}`, domain.ErrProcessing},
		{http.StatusConflict, `{"code":"BUSINESS_RULE_VIOLATION","message":"closed"}`, domain.ErrBusinessRule},
		{http.StatusNotFound, `not json`, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "").Settle(context.Background(), "acct-1", decimal.NewFromInt(2), "r1:settle")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_UnknownErrorIsNotASentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"INTERNAL_ERROR","message":"db down"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").FindEntry(context.Background(), "r1:freeze")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeInternal, domain.ErrorCode(err))
}

func TestClient_FindEntryAndClosePaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/ledger/r1:freeze":
			_ = json.NewEncoder(w).Encode(domain.LedgerEntry{RequestID: "r1:freeze", Operation: domain.OpFreeze})
		case "/internal/accounts/acct-1/close":
			_ = json.NewEncoder(w).Encode(domain.Account{AccountID: "acct-1", Status: domain.AccountClosed})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	entry, err := c.FindEntry(context.Background(), "r1:freeze")
	require.NoError(t, err)
	assert.Equal(t, domain.OpFreeze, entry.Operation)

	acct, err := c.Close(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountClosed, acct.Status)

	_, err = c.GetAccount(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_EmptyBaseURL(t *testing.T) {
	_, err := NewClient(" ", "").GetAccount(context.Background(), "acct-1")
	require.Error(t, err)
}
