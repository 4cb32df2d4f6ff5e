package customerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KongYiji1994/BankCore1/internal/domain"
)

func TestClient_GetCustomer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/customers/cust-1":
			assert.Equal(t, "k", r.Header.Get("X-Internal-API-Key"))
			_, _ = w.Write([]byte(`{"status":"BLOCKED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	customer, err := c.GetCustomer(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "cust-1", customer.CustomerID)
	assert.True(t, customer.IsBlocked())

	_, err = c.GetCustomer(context.Background(), "cust-2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
