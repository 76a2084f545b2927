// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(tradingURL string, creds CredentialSource) *Client {
	return NewClient(Config{
		TradingBaseURL: tradingURL,
		AIBaseURL:      tradingURL,
		DefaultTimeout: 5 * time.Second,
	}, creds)
}

func TestCall_GetRetriesOnceOn5xx(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price": 64000.5}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "trading", "/market/price", CallOptions{
		Method: http.MethodGet,
	})

	assert.True(t, result.Success)
	assert.Contains(t, string(result.Data), "64000.5")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestCall_GetRetriesOnlyOnce(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "trading", "/market/price", CallOptions{
		Method: http.MethodGet,
	})

	assert.False(t, result.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "5xx twice means stop")
}

func TestCall_PostNeverRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "order engine unavailable"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "trading", "/trading/orders", CallOptions{
		Method: http.MethodPost,
		Body:   map[string]interface{}{"symbol": "BTC-USD"},
	})

	assert.False(t, result.Success)
	assert.Equal(t, "order engine unavailable", result.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits),
		"a duplicated order is worse than a failed one")
}

func TestCall_TimeoutDoesNotHang(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(server.URL, nil)
	start := time.Now()
	result := client.Call(context.Background(), "trading", "/slow", CallOptions{
		Method:    http.MethodGet,
		TimeoutMS: 100,
	})

	assert.False(t, result.Success)
	assert.True(t, result.Timeout)
	assert.Contains(t, result.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCall_RetryRespectsRemainingBudget(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// Budget smaller than the retry backoff: the deadline fires while
	// waiting to retry, and no second request is sent.
	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "trading", "/market/price", CallOptions{
		Method:    http.MethodGet,
		TimeoutMS: 100,
	})

	assert.False(t, result.Success)
	assert.True(t, result.Timeout)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCall_EnvelopePassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "error": "insufficient funds"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "trading", "/trading/orders", CallOptions{
		Method: http.MethodPost,
	})

	// The backend already speaks the envelope; its verdict wins even on
	// an HTTP 200.
	assert.False(t, result.Success)
	assert.Equal(t, "insufficient funds", result.Error)
}

func TestCall_RawJSONWrappedAsData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candles": [1, 2, 3]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "trading", "/market/history", CallOptions{})

	assert.True(t, result.Success)
	assert.JSONEq(t, `{"candles": [1, 2, 3]}`, string(result.Data))
	assert.Empty(t, result.Error)
}

func TestCall_NonJSONBodyWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	result := client.Call(context.Background(), "ai", "/ping", CallOptions{})

	assert.True(t, result.Success)
	assert.JSONEq(t, `{"message": "pong"}`, string(result.Data))
}

func TestCall_ErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"error field", http.StatusBadRequest, `{"error": "bad symbol"}`, "bad symbol"},
		{"detail field", http.StatusNotFound, `{"detail": "order not found"}`, "order not found"},
		{"message field", http.StatusConflict, `{"message": "duplicate order"}`, "duplicate order"},
		{"no known field", http.StatusBadRequest, `{"oops": true}`, "HTTP 400"},
		{"plain text body", http.StatusBadRequest, "malformed request", "malformed request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(server.URL, nil)
			result := client.Call(context.Background(), "trading", "/x", CallOptions{
				Method: http.MethodPost,
			})

			require.False(t, result.Success)
			assert.Equal(t, tt.wantErr, result.Error)
		})
	}
}

func TestCall_UnknownService(t *testing.T) {
	client := newTestClient("http://localhost:1", nil)
	result := client.Call(context.Background(), "billing", "/x", CallOptions{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown service")
}

func TestCall_UnreachableBackend(t *testing.T) {
	// A closed port fails fast with a transport error, not a timeout.
	client := newTestClient("http://127.0.0.1:1", nil)
	result := client.Call(context.Background(), "trading", "/x", CallOptions{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "upstream request failed")
}

func TestCall_AttachesBearerCredential(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, StaticCredential("svc-token"))
	client.Call(context.Background(), "trading", "/x", CallOptions{})
	assert.Equal(t, "Bearer svc-token", gotAuth)

	client.Call(context.Background(), "trading", "/x", CallOptions{SkipAuth: true})
	assert.Empty(t, gotAuth)
}

func TestCall_EmptyCredentialOmitsHeader(t *testing.T) {
	var sawHeader bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawHeader = r.Header["Authorization"]
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, StaticCredential(""))
	client.Call(context.Background(), "trading", "/x", CallOptions{})
	assert.False(t, sawHeader, "empty credential must not produce 'Bearer '")
}

func TestCall_EncodesQuery(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	client.Call(context.Background(), "trading", "/market/price", CallOptions{
		Method: http.MethodGet,
		Query:  url.Values{"symbol": {"BTC-USD"}, "interval": {"1h"}},
	})

	assert.Equal(t, "BTC-USD", gotQuery.Get("symbol"))
	assert.Equal(t, "1h", gotQuery.Get("interval"))
}
