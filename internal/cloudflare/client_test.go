package cloudflare

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	c := NewClient()
	c.BaseURL = baseURL
	c.RetryInterval = time.Millisecond
	return c
}

func TestUpdateARecordPreservesTTLAndProxied(t *testing.T) {
	var updated record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cf-token", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet:
			assert.Equal(t, "/zones/zone1/dns_records", r.URL.Path)
			assert.Equal(t, "A", r.URL.Query().Get("type"))
			assert.Equal(t, "web.example.com", r.URL.Query().Get("name"))
			w.Write([]byte(`{"result":[{"id":"rec1","type":"A","name":"web.example.com","content":"198.51.100.1","ttl":300,"proxied":true}]}`))
		case r.Method == http.MethodPut:
			assert.Equal(t, "/zones/zone1/dns_records/rec1", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&updated))
			w.Write([]byte(`{"success":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.UpdateARecord(context.Background(), "cf-token", "zone1", "web.example.com", "203.0.113.9"))
	assert.Equal(t, "203.0.113.9", updated.Content)
	assert.Equal(t, 300, updated.TTL)
	assert.True(t, updated.Proxied)
}

func TestUpdateARecordAutoTTLBecomesOne(t *testing.T) {
	var updated record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"result":[{"id":"rec1","ttl":0,"proxied":false}]}`))
			return
		}
		json.NewDecoder(r.Body).Decode(&updated)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.UpdateARecord(context.Background(), "cf-token", "zone1", "web.example.com", "203.0.113.9"))
	assert.Equal(t, 1, updated.TTL)
}

func TestUpdateARecordMissingRecordIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"result":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.UpdateARecord(context.Background(), "cf-token", "zone1", "web.example.com", "203.0.113.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, 1, calls, "a missing record cannot appear by retrying")
}

func TestUpdateARecordRetriesTransientFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"result":[{"id":"rec1","ttl":1}]}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.UpdateARecord(context.Background(), "cf-token", "zone1", "web.example.com", "203.0.113.9"))
	assert.Equal(t, 3, calls)
}

func TestUpdateARecordGivesUpAfterThreeAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.UpdateARecord(context.Background(), "cf-token", "zone1", "web.example.com", "203.0.113.9")
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
