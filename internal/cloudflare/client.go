package cloudflare

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

	"github.com/cenkalti/backoff/v4"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// RetryInterval is the wait between update attempts; shortened in tests.
	RetryInterval time.Duration
}

func NewClient() *Client {
	return &Client{
		BaseURL:       defaultBaseURL,
		HTTP:          &http.Client{Timeout: 15 * time.Second},
		RetryInterval: 3 * time.Second,
	}
}

type record struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

// UpdateARecord points the named A record at ip, preserving the record's TTL
// and proxied flag. The lookup+update pair is retried up to three times.
func (c *Client) UpdateARecord(ctx context.Context, apiToken, zoneID, recordName, ip string) error {
	op := func() error {
		return c.updateOnce(ctx, apiToken, zoneID, recordName, ip)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryInterval), 2), ctx)
	return backoff.Retry(op, policy)
}

func (c *Client) updateOnce(ctx context.Context, apiToken, zoneID, recordName, ip string) error {
	q := url.Values{}
	q.Set("type", "A")
	q.Set("name", recordName)
	listPath := fmt.Sprintf("/zones/%s/dns_records?%s", zoneID, q.Encode())
	b, err := c.do(ctx, http.MethodGet, listPath, apiToken, nil)
	if err != nil {
		return err
	}
	var list struct {
		Result []record `json:"result"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	if len(list.Result) == 0 {
		// Nothing to retry against; the record has to exist already.
		return backoff.Permanent(fmt.Errorf("dns record %q not found in zone %s", recordName, zoneID))
	}
	rec := list.Result[0]
	if rec.TTL == 0 {
		rec.TTL = 1
	}
	payload, err := json.Marshal(record{Type: "A", Name: recordName, Content: ip, TTL: rec.TTL, Proxied: rec.Proxied})
	if err != nil {
		return err
	}
	updatePath := fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, rec.ID)
	if _, err := c.do(ctx, http.MethodPut, updatePath, apiToken, payload); err != nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, p, apiToken string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+p, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("cloudflare api %s %s failed: %s", method, p, msg)
	}
	return b, nil
}
