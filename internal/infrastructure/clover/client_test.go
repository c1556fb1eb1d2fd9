package clover

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetries() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestClient_ListCategories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/merchants/M1/categories", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"elements":[{"id":"A","name":"Mains","sortOrder":2},{"id":"B","name":"Drinks"}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	categories, err := client.ListCategories(context.Background(), "M1", "tok")
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "Mains", categories[0].Name)
	assert.Equal(t, 2, categories[0].Position(9))
	assert.Equal(t, 9, categories[1].Position(9))
}

func TestClient_ExpandedReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/merchants/M1/items":
			assert.Equal(t, "modifierGroups,categories", r.URL.Query().Get("expand"))
			_, _ = io.WriteString(w, `{"elements":[{"id":"I1","modifierGroups":{"elements":[{"id":"G1"}]}},{"id":"I2","modifierGroups":[{"id":"G2"}]}]}`)
		case "/v3/merchants/M1/payments/P1":
			assert.Equal(t, "order", r.URL.Query().Get("expand"))
			_, _ = io.WriteString(w, `{"id":"P1","result":"SUCCESS","order":{"id":"O1"}}`)
		case "/v3/merchants/M1/orders/O1":
			_, _ = io.WriteString(w, `{"id":"O1","payments":{"elements":[{"id":"P0","result":"DECLINED"},{"id":"P1","result":"SUCCESS"}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	ctx := context.Background()

	items, err := client.ListItemsWithModifierGroups(ctx, "M1", "tok")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "G1", items[0].ModifierGroups[0].ID)
	assert.Equal(t, "G2", items[1].ModifierGroups[0].ID)

	payment, err := client.GetPayment(ctx, "M1", "tok", "P1")
	require.NoError(t, err)
	assert.Equal(t, "O1", payment.ResolvedOrderID())
	assert.False(t, payment.Failed())

	order, err := client.GetOrder(ctx, "M1", "tok", "O1")
	require.NoError(t, err)
	assert.True(t, order.HasSuccessfulPayment())
}

func TestClient_SetOrderType(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/merchants/M1/orders/O1", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"id":"O1"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	require.NoError(t, client.SetOrderType(context.Background(), "M1", "tok", "O1", "OT1"))
	assert.Equal(t, map[string]any{"orderType": map[string]any{"id": "OT1"}}, body)
}

func TestClient_Errors(t *testing.T) {
	t.Run("non-2xx becomes an upstream error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"401 Unauthorized"}`)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, zerolog.Nop()).ListTaxRates(context.Background(), "M1", "tok")
		require.Error(t, err)
		assert.True(t, domain.IsUnauthorized(err))

		var upstream *domain.UpstreamError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, "/v3/merchants/M1/tax_rates", upstream.Path)
		assert.Contains(t, upstream.Body, "401 Unauthorized")
	})

	t.Run("throttled requests are retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = io.WriteString(w, `{"elements":[]}`)
		}))
		defer srv.Close()

		client := NewClientWithOptions(srv.URL, nil, NewRateLimiter(1000, 10, zerolog.Nop()), fastRetries(), zerolog.Nop())
		_, err := client.ListOrderTypes(context.Background(), "M1", "tok")
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("retries are bounded", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := NewClientWithOptions(srv.URL, nil, nil, fastRetries(), zerolog.Nop())
		_, err := client.ListOrderTypes(context.Background(), "M1", "tok")
		assert.True(t, domain.IsUpstreamStatus(err, http.StatusServiceUnavailable))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClientWithOptions(srv.URL, nil, nil, fastRetries(), zerolog.Nop())
		_, err := client.GetItem(context.Background(), "M1", "tok", "I1")
		assert.True(t, domain.IsUpstreamStatus(err, http.StatusNotFound))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("merchant id is required", func(t *testing.T) {
		_, err := NewClient("http://127.0.0.1:0", zerolog.Nop()).ListCategories(context.Background(), "", "tok")
		assert.Error(t, err)
	})
}

func TestRetryConfig_Delay(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	resp := func(status int, retryAfter string) *http.Response {
		r := &http.Response{StatusCode: status, Header: http.Header{}}
		if retryAfter != "" {
			r.Header.Set("Retry-After", retryAfter)
		}
		return r
	}

	d, ok := rc.delay(0, resp(http.StatusTooManyRequests, ""))
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)

	d, ok = rc.delay(2, resp(http.StatusTooManyRequests, ""))
	assert.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, d)

	d, ok = rc.delay(0, resp(http.StatusServiceUnavailable, "30"))
	assert.True(t, ok)
	assert.Equal(t, time.Second, d, "Retry-After is capped")

	_, ok = rc.delay(3, resp(http.StatusTooManyRequests, ""))
	assert.False(t, ok)

	_, ok = rc.delay(0, resp(http.StatusInternalServerError, ""))
	assert.False(t, ok)
}
