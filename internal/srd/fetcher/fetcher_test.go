package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/models"
)

func TestClientFetch(t *testing.T) {
	t.Run("posts the applicant key as JSON and decodes the payload", func(t *testing.T) {
		var got requestBody
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &got))
			_, _ = w.Write([]byte(`{
				"appId": "667123",
				"sapo": "Not Selected",
				"status": "Approved",
				"risk": false,
				"outcomes": [
					{"period": "APR2025", "outcome": "approved", "payday": 25, "filed": "2024-04-23T00:52:27Z", "paid": null, "reason": null}
				]
			}`))
		}))
		defer srv.Close()

		reg := prometheus.NewRegistry()
		m := metrics.NewWithRegistry(reg)
		client := New(srv.URL, WithMetrics(m))

		payload, err := client.Fetch(context.Background(), "9206160000085", "0821234567")
		require.NoError(t, err)

		assert.Equal(t, requestBody{IDNumber: "9206160000085", Mobile: "0821234567"}, got)
		assert.Equal(t, "667123", payload.AppID)
		assert.Equal(t, "Not Selected", payload.Sapo)
		assert.Equal(t, "Approved", payload.Status)
		assert.False(t, payload.Risk)
		require.Len(t, payload.Outcomes, 1)
		o := payload.Outcomes[0]
		require.NotNil(t, o.Period)
		assert.Equal(t, "APR2025", *o.Period)
		require.NotNil(t, o.Payday)
		assert.Equal(t, 25, *o.Payday)
		assert.Nil(t, o.Paid)
		assert.Nil(t, o.Reason)
		assert.Equal(t, 1, testutil.CollectAndCount(m.FetchLatency))
	})

	t.Run("rejects an empty key without calling the API", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		_, err := New(srv.URL).Fetch(context.Background(), "", "0821234567")
		assert.ErrorIs(t, err, ErrMissingKey)
		_, err = New(srv.URL).Fetch(context.Background(), "9206160000085", "  ")
		assert.ErrorIs(t, err, ErrMissingKey)
		assert.Zero(t, calls.Load())
	})

	t.Run("non-success status is rejected by server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := New(srv.URL).Fetch(context.Background(), "9206160000085", "0821234567")
		require.Error(t, err)

		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindRejectedByServer, fe.Kind)
		assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
		assert.True(t, fe.Retryable)
		assert.Contains(t, fe.Error(), "maintenance")
	})

	t.Run("unparseable body is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>captcha</html>`))
		}))
		defer srv.Close()

		_, err := New(srv.URL).Fetch(context.Background(), "9206160000085", "0821234567")
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindMalformed, kind)
		assert.False(t, IsRetryable(err))
	})

	t.Run("timeout resolves as unreachable", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		}))
		defer srv.Close()
		defer close(release)

		_, err := New(srv.URL, WithTimeout(20*time.Millisecond)).
			Fetch(context.Background(), "9206160000085", "0821234567")
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindUnreachable, kind)
		assert.True(t, IsRetryable(err))
	})

	t.Run("closed server is unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		_, err := New(url).Fetch(context.Background(), "9206160000085", "0821234567")
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindUnreachable, kind)
	})

	t.Run("bad endpoint is classified and not retryable", func(t *testing.T) {
		_, err := New("://no-scheme").Fetch(context.Background(), "9206160000085", "0821234567")

		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindUnreachable, fe.Kind)
		assert.False(t, fe.Retryable)
		assert.False(t, IsRetryable(err))
	})
}

func TestParseResponse(t *testing.T) {
	t.Run("absent fields take defaults", func(t *testing.T) {
		payload, err := parseResponse(200, []byte(`{"outcomes": null}`))
		require.NoError(t, err)
		assert.Equal(t, models.NotAvailable, payload.AppID)
		assert.Equal(t, models.NotAvailable, payload.Sapo)
		assert.Equal(t, models.NotAvailable, payload.Status)
		assert.False(t, payload.Risk)
		assert.NotNil(t, payload.Outcomes)
		assert.Empty(t, payload.Outcomes)
	})

	t.Run("null strings are treated as absent", func(t *testing.T) {
		payload, err := parseResponse(200, []byte(`{"appId": null, "status": "Pending", "risk": true}`))
		require.NoError(t, err)
		assert.Equal(t, models.NotAvailable, payload.AppID)
		assert.Equal(t, "Pending", payload.Status)
		assert.True(t, payload.Risk)
	})

	t.Run("client errors are not retryable", func(t *testing.T) {
		_, err := parseResponse(400, []byte(`{"message":"invalid id"}`))
		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindRejectedByServer, fe.Kind)
		assert.False(t, fe.Retryable)
	})

	t.Run("rate limiting is retryable", func(t *testing.T) {
		_, err := parseResponse(429, nil)
		assert.True(t, IsRetryable(err))
		assert.Contains(t, err.Error(), "empty response")
	})

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"JSON array", `[]`},
		{"JSON null", `null`},
		{"truncated object", `{"appId": "1"`},
		{"wrong field type", `{"risk": "yes"}`},
		{"outcomes not an array", `{"outcomes": {}}`},
	}
	for _, tt := range tests {
		t.Run("malformed: "+tt.name, func(t *testing.T) {
			_, err := parseResponse(200, []byte(tt.body))
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindMalformed, kind)
		})
	}
}

func TestKindOf(t *testing.T) {
	_, ok := KindOf(context.Canceled)
	assert.False(t, ok)
	assert.False(t, IsRetryable(context.Canceled))
}
